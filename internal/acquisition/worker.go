package acquisition

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/pmsdash/internal/logger"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

// ErrWorkerStopped is returned for requests made after Run has exited.
var ErrWorkerStopped = errors.New("acquisition: worker stopped")

// EventKind classifies worker events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventConfigured
	EventReading
	EventTickFailed
	EventRunFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventConfigured:
		return "configured"
	case EventReading:
		return "reading"
	case EventTickFailed:
		return "tick_failed"
	case EventRunFinished:
		return "run_finished"
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is published to subscribers after every state-affecting operation.
type Event struct {
	Kind     EventKind
	Time     time.Time
	State    RunState
	Config   Config
	Reading  *Reading  // EventReading
	Err      error     // EventTickFailed, EventRunFinished (aborted)
	Run      *RunInfo  // EventRunFinished
	Readings []Reading // EventRunFinished: the full run
}

type request struct {
	fn    func(*Controller) (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// Worker runs a Controller on a single goroutine. Control requests are
// sent as messages and answered on reply channels; ticks are coalesced so
// at most one is pending. This keeps exactly one device operation in
// flight and means a Stop is honored between ticks.
type Worker struct {
	ctrl *Controller
	log  zerolog.Logger

	reqs  chan request
	ticks chan struct{}
	done  chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewWorker wraps ctrl. The worker owns ctrl from now on; do not call it
// directly once Run has started.
func NewWorker(ctrl *Controller) *Worker {
	w := &Worker{
		ctrl:  ctrl,
		log:   logger.For("worker"),
		reqs:  make(chan request),
		ticks: make(chan struct{}, 1),
		done:  make(chan struct{}),
		subs:  make(map[chan Event]struct{}),
	}
	w.snap = ctrl.Snapshot()
	return w
}

// Run processes requests and ticks until ctx is cancelled. An active run
// is stopped on the way out.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	w.log.Info().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			if w.ctrl.State() == Running {
				w.apply(func(c *Controller) (any, error) { return nil, c.Stop() }, nil)
			}
			w.log.Info().Msg("worker stopped")
			return
		case req := <-w.reqs:
			val, err := w.apply(req.fn, nil)
			req.reply <- result{val: val, err: err}
		case <-w.ticks:
			w.tick()
		}
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Configure applies cfg between runs.
func (w *Worker) Configure(ctx context.Context, cfg Config) error {
	_, err := w.do(ctx, func(c *Controller) (any, error) { return nil, c.Configure(cfg) })
	return err
}

// Start begins a run; see Controller.Start.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.do(ctx, func(c *Controller) (any, error) { return nil, c.Start() })
	return err
}

// Stop ends the active run; see Controller.Stop.
func (w *Worker) Stop(ctx context.Context) error {
	_, err := w.do(ctx, func(c *Controller) (any, error) { return nil, c.Stop() })
	return err
}

// Board queries the device identification.
func (w *Worker) Board(ctx context.Context) (protocol.BoardInfo, error) {
	v, err := w.do(ctx, func(c *Controller) (any, error) { return c.Board() })
	if err != nil {
		return protocol.BoardInfo{}, err
	}
	return v.(protocol.BoardInfo), nil
}

// ExportCSV writes the last finished run; see Controller.ExportCSV.
func (w *Worker) ExportCSV(ctx context.Context, dest string) (string, error) {
	v, err := w.do(ctx, func(c *Controller) (any, error) { return c.ExportCSV(dest) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Tick requests one polling iteration. It never blocks; a tick requested
// while another is pending is dropped.
func (w *Worker) Tick() {
	select {
	case w.ticks <- struct{}{}:
	default:
	}
}

// Snapshot returns the state as of the last completed operation. Readings
// are a shared read-only view.
func (w *Worker) Snapshot() Snapshot {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()
	s := w.snap
	s.Connected = w.ctrl.Connected()
	return s
}

// Subscribe registers for events. Slow subscribers miss events rather than
// stall the worker. Call the returned func to unsubscribe.
func (w *Worker) Subscribe(buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	w.subMu.Lock()
	w.subs[ch] = struct{}{}
	w.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.subMu.Lock()
			delete(w.subs, ch)
			w.subMu.Unlock()
			close(ch)
		})
	}
}

func (w *Worker) do(ctx context.Context, fn func(*Controller) (any, error)) (any, error) {
	req := request{fn: fn, reply: make(chan result, 1)}
	select {
	case w.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrWorkerStopped
	}
	// Once accepted the request runs to completion; the caller may stop
	// waiting for the answer.
	select {
	case res := <-req.reply:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) tick() {
	w.apply(func(c *Controller) (any, error) { return c.Tick() }, func(val any, err error, now time.Time) *Event {
		if r, _ := val.(*Reading); r != nil {
			return &Event{Kind: EventReading, Time: now, State: w.ctrl.State(), Reading: r}
		}
		if err != nil && !errors.Is(err, ErrAcquisitionAborted) {
			return &Event{Kind: EventTickFailed, Time: now, State: w.ctrl.State(), Err: err}
		}
		return nil
	})
}

// apply runs fn on the controller, refreshes the snapshot and emits events:
// first the one built by lead, if any, then configuration, state and run
// completion changes.
func (w *Worker) apply(fn func(*Controller) (any, error), lead func(any, error, time.Time) *Event) (any, error) {
	before := w.ctrl.State()
	beforeCfg := w.ctrl.Config()
	beforeRun := w.ctrl.Run()

	val, err := fn(w.ctrl)

	snap := w.ctrl.Snapshot()
	w.snapMu.Lock()
	w.snap = snap
	w.snapMu.Unlock()

	now := w.ctrl.opts.Now()
	if lead != nil {
		if ev := lead(val, err, now); ev != nil {
			w.emit(*ev)
		}
	}
	if snap.Config != beforeCfg {
		w.emit(Event{Kind: EventConfigured, Time: now, State: snap.State, Config: snap.Config})
	}
	if snap.State != before {
		w.emit(Event{Kind: EventStateChanged, Time: now, State: snap.State, Config: snap.Config})
	}
	if run := snap.Run; run != nil && run.Finished() && (beforeRun == nil || !beforeRun.Finished()) {
		ev := Event{Kind: EventRunFinished, Time: now, State: snap.State, Config: run.Config, Run: run, Readings: snap.Readings}
		if run.Outcome == OutcomeAborted {
			ev.Err = err
		}
		w.emit(ev)
	}
	return val, err
}

func (w *Worker) emit(ev Event) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
			w.log.Warn().Stringer("event", ev.Kind).Msg("subscriber slow, event dropped")
		}
	}
}
