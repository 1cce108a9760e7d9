package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by every I/O call while the device is
	// absent. Callers treat it as "acquisition disabled", not as a fault.
	ErrNotConnected = errors.New("device: not connected")
	// ErrTimeout is returned when no complete line arrives before the deadline.
	ErrTimeout = errors.New("device: read timeout")
)

// LineChannel is a line-oriented byte link to the measurement device.
// Implementations are not safe for concurrent use; exactly one operation
// may be in flight at a time.
type LineChannel interface {
	// WriteLine sends text followed by a single newline.
	WriteLine(text string) error
	// ReadLine blocks until one terminated line is available or timeout
	// elapses. The terminator is stripped.
	ReadLine(timeout time.Duration) (string, error)
}

// Connector is implemented by channels that own a connection lifecycle.
type Connector interface {
	Connect() error
	Close() error
	IsOpen() bool
}

// ConnectionError reports that a device port could not be opened.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device: cannot open %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsOpen reports whether ch currently has a live connection. Channels that
// do not manage a connection are assumed open.
func IsOpen(ch LineChannel) bool {
	if c, ok := ch.(Connector); ok {
		return c.IsOpen()
	}
	return true
}

// Disconnected is the channel used when no device is configured. Every
// operation reports ErrNotConnected.
type Disconnected struct{}

func (Disconnected) WriteLine(string) error                 { return ErrNotConnected }
func (Disconnected) ReadLine(time.Duration) (string, error) { return "", ErrNotConnected }
func (Disconnected) Connect() error                         { return ErrNotConnected }
func (Disconnected) Close() error                           { return nil }
func (Disconnected) IsOpen() bool                           { return false }
