package acquisition

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/pmsdash/internal/device"
	"github.com/shaunagostinho/pmsdash/internal/export"
	"github.com/shaunagostinho/pmsdash/internal/logger"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

const (
	DefaultAckTimeout     = 2 * time.Second
	DefaultAbortThreshold = 5
)

// Options tunes the controller's failure handling.
type Options struct {
	// AckTimeout bounds every acknowledgment read. Reading reads wait
	// AckTimeout plus one sample interval.
	AckTimeout time.Duration
	// AbortThreshold is the number of consecutive failed ticks that ends
	// a run with ErrAcquisitionAborted.
	AbortThreshold int
	// Now is the clock used for run timestamps.
	Now func() time.Time
}

// Controller owns the sampling state machine for one device connection.
// It is not safe for concurrent use: Worker serializes access to it.
type Controller struct {
	ch   device.LineChannel
	opts Options
	log  zerolog.Logger

	cfg         Config
	chanPending bool // SET CHAN not yet acknowledged by the device

	state     RunState
	buf       *SampleBuffer
	remaining int
	lastIndex int
	failures  int
	run       *RunInfo
}

// NewController creates an Idle controller. cfg must be valid.
func NewController(ch device.LineChannel, cfg Config, opts Options) *Controller {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.AbortThreshold <= 0 {
		opts.AbortThreshold = DefaultAbortThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		ch:          ch,
		opts:        opts,
		log:         logger.For("acquisition"),
		cfg:         cfg,
		chanPending: true,
		buf:         NewSampleBuffer(0),
		lastIndex:   -1,
	}
}

func (c *Controller) State() RunState { return c.state }
func (c *Controller) Config() Config  { return c.cfg }
func (c *Controller) Remaining() int  { return c.remaining }

// Buffer returns the current run's buffer.
func (c *Controller) Buffer() *SampleBuffer { return c.buf }

// Run returns the current or most recent run, or nil if none has started.
func (c *Controller) Run() *RunInfo {
	if c.run == nil {
		return nil
	}
	r := *c.run
	return &r
}

// Connected reports whether the device link is up.
func (c *Controller) Connected() bool { return device.IsOpen(c.ch) }

// Snapshot captures the controller state. Readings share storage with the
// buffer; see SampleBuffer.View.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:     c.state,
		Connected: c.Connected(),
		Config:    c.cfg,
		Unit:      c.cfg.Unit(),
		Remaining: c.remaining,
		Readings:  c.buf.View(),
		Run:       c.Run(),
	}
}

// Configure replaces the configuration between runs and selects the sensor
// channel on the device. Without a device the new configuration is kept and
// the channel is selected at the next Start.
func (c *Controller) Configure(cfg Config) error {
	if c.state != Idle {
		return ErrBusy
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	err := c.exchange(protocol.SetChannel(cfg.Channel))
	switch {
	case err == nil:
		c.chanPending = false
	case errors.Is(err, device.ErrNotConnected):
		c.chanPending = true
		c.log.Warn().Msg("device not connected, channel will be selected on start")
	default:
		return fmt.Errorf("%w: %v", ErrConfigurationFailed, err)
	}

	c.cfg = cfg
	c.log.Info().
		Int("samples", cfg.Samples).
		Int("interval_ms", cfg.IntervalMs).
		Stringer("channel", cfg.Channel).
		Msg("configured")
	return nil
}

// Start begins a run. It is a no-op unless the controller is Idle. The
// buffer is cleared, then SET SAMPLES, SET INTERVAL and START are each
// sent and acknowledged; any failure returns ErrConfigurationFailed with
// the controller back in Idle.
func (c *Controller) Start() error {
	if c.state != Idle {
		c.log.Debug().Stringer("state", c.state).Msg("start ignored, run already active")
		return nil
	}

	c.state = Configuring
	c.buf = NewSampleBuffer(c.cfg.Samples)
	c.remaining = 0
	c.lastIndex = -1
	c.failures = 0
	c.run = nil

	cmds := []protocol.Command{
		protocol.SetSamples(c.cfg.Samples),
		protocol.SetInterval(c.cfg.IntervalMs),
		protocol.Start(),
	}
	if c.chanPending {
		cmds = append([]protocol.Command{protocol.SetChannel(c.cfg.Channel)}, cmds...)
	}
	for _, cmd := range cmds {
		if err := c.exchange(cmd); err != nil {
			c.state = Idle
			c.log.Error().Err(err).Str("cmd", protocol.Encode(cmd)).Msg("handshake failed")
			return fmt.Errorf("%w: %s: %w", ErrConfigurationFailed, protocol.Encode(cmd), err)
		}
		if cmd.Op == protocol.OpSetChannel {
			c.chanPending = false
		}
	}

	c.run = &RunInfo{Config: c.cfg, Unit: c.cfg.Unit(), StartedAt: c.opts.Now()}
	c.remaining = c.cfg.Samples
	c.state = Running
	c.log.Info().Int("samples", c.cfg.Samples).Msg("run started")
	return nil
}

// Tick performs one read while Running and returns the appended reading.
// Outside Running it does nothing and returns (nil, nil).
//
// A timed-out or malformed line is non-fatal: nothing is appended, the
// error is returned, and the failure counts toward the abort threshold.
// Reaching the threshold ends the run with ErrAcquisitionAborted.
func (c *Controller) Tick() (*Reading, error) {
	if c.state != Running {
		return nil, nil
	}

	r, err := c.readOne()
	if err != nil {
		c.failures++
		if c.failures >= c.opts.AbortThreshold {
			n := c.failures
			c.halt()
			c.finish(OutcomeAborted, err)
			c.log.Error().Err(err).Int("failures", n).Int("kept", c.buf.Len()).Msg("run aborted")
			return nil, fmt.Errorf("%w after %d consecutive failures: %w", ErrAcquisitionAborted, n, err)
		}
		c.log.Warn().Err(err).Int("failures", c.failures).Msg("reading skipped")
		return nil, err
	}

	if err := c.buf.Append(r); err != nil {
		// Indices are bounded by the sample count, so this means the
		// bookkeeping is broken. End the run rather than keep reading.
		c.finish(OutcomeCompleted, err)
		c.log.Error().Err(err).Msg("buffer invariant violated")
		return nil, err
	}

	c.failures = 0
	c.lastIndex = r.Index
	c.remaining = c.cfg.Samples - (r.Index + 1)
	if c.remaining == 0 {
		c.finish(OutcomeCompleted, nil)
		c.log.Info().Int("readings", c.buf.Len()).Msg("run completed")
	}
	return &r, nil
}

// readOne reads and validates the next reading. Indices must increase
// strictly and stay below the sample count; a gap means lines were lost.
func (c *Controller) readOne() (Reading, error) {
	line, err := c.ch.ReadLine(c.opts.AckTimeout + c.cfg.Interval())
	if err != nil {
		return Reading{}, err
	}
	f, err := protocol.DecodeReading(line)
	if err != nil {
		return Reading{}, err
	}
	if f.Index <= c.lastIndex {
		return Reading{}, fmt.Errorf("%w: index %d out of order after %d", protocol.ErrMalformedResponse, f.Index, c.lastIndex)
	}
	if f.Index >= c.cfg.Samples {
		return Reading{}, fmt.Errorf("%w: index %d beyond %d samples", protocol.ErrMalformedResponse, f.Index, c.cfg.Samples)
	}
	return Reading{
		Index:   f.Index,
		Elapsed: float64(f.Index) * float64(c.cfg.IntervalMs) / 1000,
		Value:   f.Value,
		Unit:    c.cfg.Unit(),
	}, nil
}

// Stop ends an active run. STOP is sent and one line is read to drain the
// acknowledgment; the controller returns to Idle whatever the outcome. A
// failed drain is returned for reporting only. Outside Running it is a
// no-op.
func (c *Controller) Stop() error {
	if c.state != Running {
		return nil
	}
	c.state = Stopping
	err := c.halt()
	c.finish(OutcomeStopped, nil)
	c.log.Info().Int("readings", c.buf.Len()).Msg("run stopped")
	if err != nil {
		return fmt.Errorf("acquisition: stop not acknowledged: %w", err)
	}
	return nil
}

// halt sends STOP and drains one line, best effort.
func (c *Controller) halt() error {
	err := c.exchange(protocol.Stop())
	if err != nil {
		c.log.Warn().Err(err).Msg("stop not acknowledged")
	}
	return err
}

func (c *Controller) finish(o Outcome, err error) {
	c.state = Idle
	c.remaining = 0
	c.failures = 0
	if c.run != nil {
		c.run.FinishedAt = c.opts.Now()
		c.run.Outcome = o
		if err != nil {
			c.run.Error = err.Error()
		}
	}
}

// Board queries the device identification. Only valid while Idle.
func (c *Controller) Board() (protocol.BoardInfo, error) {
	if c.state != Idle {
		return protocol.BoardInfo{}, ErrBusy
	}
	if err := c.ch.WriteLine(protocol.Encode(protocol.GetBoard())); err != nil {
		return protocol.BoardInfo{}, err
	}
	line, err := c.ch.ReadLine(c.opts.AckTimeout)
	if err != nil {
		return protocol.BoardInfo{}, err
	}
	return protocol.DecodeBoard(line)
}

// ExportCSV writes the last finished run to dest (a file, a directory, or
// "" for the working directory). Only valid while Idle.
func (c *Controller) ExportCSV(dest string) (string, error) {
	if c.state != Idle {
		return "", ErrBusy
	}
	if c.run == nil || !c.run.Finished() {
		return "", ErrNoRun
	}
	path, err := export.WriteFile(dest, c.run.FinishedAt, c.buf.Values())
	if err != nil {
		return "", err
	}
	c.log.Info().Str("path", path).Int("rows", c.buf.Len()).Msg("exported")
	return path, nil
}

// exchange sends one command and waits for its acknowledgment.
func (c *Controller) exchange(cmd protocol.Command) error {
	if err := c.ch.WriteLine(protocol.Encode(cmd)); err != nil {
		return err
	}
	line, err := c.ch.ReadLine(c.opts.AckTimeout)
	if err != nil {
		return err
	}
	return protocol.DecodeAck(line)
}
