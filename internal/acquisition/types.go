package acquisition

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/pmsdash/internal/export"
	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

var (
	// ErrConfigurationFailed means the SET/START handshake did not complete.
	// The run never started and the controller is Idle.
	ErrConfigurationFailed = errors.New("acquisition: configuration failed")
	// ErrAcquisitionAborted means too many consecutive reads failed. The
	// partial buffer is kept and can be exported.
	ErrAcquisitionAborted = errors.New("acquisition: aborted")
	// ErrCapacityExceeded is an internal invariant violation: more readings
	// than the configured sample count.
	ErrCapacityExceeded = errors.New("acquisition: sample buffer capacity exceeded")
	// ErrBusy is returned for requests that are only valid while Idle.
	ErrBusy = errors.New("acquisition: run in progress")
	// ErrInvalidConfig rejects non-positive sample counts or intervals and
	// unknown channels.
	ErrInvalidConfig = errors.New("acquisition: invalid configuration")
	// ErrNoRun is returned when exporting before any run has finished.
	ErrNoRun = errors.New("acquisition: no finished run")
)

const (
	// MaxSamples bounds the buffer size of a single run.
	MaxSamples = 1_000_000
	// MaxIntervalMs is one day.
	MaxIntervalMs = 24 * 60 * 60 * 1000
)

// Config is the acquisition configuration. It only changes between runs.
type Config struct {
	Samples    int              `yaml:"samples" json:"samples"`
	IntervalMs int              `yaml:"interval_ms" json:"intervalMs"`
	Channel    protocol.Channel `yaml:"channel" json:"channel"`
}

// Unit is derived from the channel.
func (c Config) Unit() string { return c.Channel.Unit() }

// Interval returns IntervalMs as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c Config) Validate() error {
	if c.Samples <= 0 || c.Samples > MaxSamples {
		return fmt.Errorf("%w: samples must be in 1..%d, got %d", ErrInvalidConfig, MaxSamples, c.Samples)
	}
	if c.IntervalMs <= 0 || c.IntervalMs > MaxIntervalMs {
		return fmt.Errorf("%w: interval must be in 1..%d ms, got %d", ErrInvalidConfig, MaxIntervalMs, c.IntervalMs)
	}
	if !c.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %d", ErrInvalidConfig, int(c.Channel))
	}
	return nil
}

// DefaultConfig matches the reference program's start-up values.
func DefaultConfig() Config {
	return Config{Samples: 10, IntervalMs: 100, Channel: protocol.Voltage}
}

// RunState is the controller's state. Configuring and Stopping are only
// observable from inside Start and Stop.
type RunState int

const (
	Idle RunState = iota
	Configuring
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RunState) UnmarshalText(b []byte) error {
	for _, st := range []RunState{Idle, Configuring, Running, Stopping} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("acquisition: unknown run state %q", b)
}

// Outcome records how a run ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeCompleted
	OutcomeStopped
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	case OutcomeAborted:
		return "aborted"
	}
	return "none"
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	*o = ParseOutcome(string(b))
	return nil
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) Outcome {
	for _, o := range []Outcome{OutcomeCompleted, OutcomeStopped, OutcomeAborted} {
		if o.String() == s {
			return o
		}
	}
	return OutcomeNone
}

// Reading is one timestamped measurement. Immutable once created.
type Reading struct {
	Index   int     `json:"index"`
	Elapsed float64 `json:"elapsed"` // seconds since START: Index * IntervalMs / 1000
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
}

// Point is one (elapsed seconds, value) pair for plotting.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SampleBuffer is the ordered, append-only store of one run's readings.
// Its capacity is the run's sample count and is allocated up front, so a
// View taken earlier stays valid while the owner keeps appending.
type SampleBuffer struct {
	readings []Reading
}

func NewSampleBuffer(capacity int) *SampleBuffer {
	return &SampleBuffer{readings: make([]Reading, 0, capacity)}
}

// Append adds r, failing with ErrCapacityExceeded when the buffer is full.
func (b *SampleBuffer) Append(r Reading) error {
	if len(b.readings) == cap(b.readings) {
		return fmt.Errorf("%w: %d readings", ErrCapacityExceeded, cap(b.readings))
	}
	b.readings = append(b.readings, r)
	return nil
}

func (b *SampleBuffer) Len() int { return len(b.readings) }
func (b *SampleBuffer) Cap() int { return cap(b.readings) }

// View returns the readings appended so far. The slice is capped at its
// length, so it never observes later appends and cannot be grown by the
// caller. Callers must not modify its elements.
func (b *SampleBuffer) View() []Reading {
	n := len(b.readings)
	return b.readings[:n:n]
}

// Values returns the raw values in insertion order.
func (b *SampleBuffer) Values() []float64 {
	return Values(b.readings)
}

// ToCSVRows renders one value per row, no header, in insertion order.
func (b *SampleBuffer) ToCSVRows() []string {
	return export.Rows(b.Values())
}

// ToSeries returns (elapsed, value) pairs in insertion order.
func (b *SampleBuffer) ToSeries() []Point {
	return Series(b.readings)
}

// Values extracts the value column of rs.
func Values(rs []Reading) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Value
	}
	return out
}

// Series extracts (elapsed, value) pairs from rs.
func Series(rs []Reading) []Point {
	out := make([]Point, len(rs))
	for i, r := range rs {
		out[i] = Point{X: r.Elapsed, Y: r.Value}
	}
	return out
}

// RunInfo describes a run that has started, and its outcome once finished.
type RunInfo struct {
	Config     Config    `json:"config"`
	Unit       string    `json:"unit"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r RunInfo) Finished() bool { return r.Outcome != OutcomeNone }

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State     RunState  `json:"state"`
	Connected bool      `json:"connected"`
	Config    Config    `json:"config"`
	Unit      string    `json:"unit"`
	Remaining int       `json:"remaining"`
	Readings  []Reading `json:"readings"`
	Run       *RunInfo  `json:"run,omitempty"`
}
