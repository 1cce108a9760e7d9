package device

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/shaunagostinho/pmsdash/internal/logger"
)

// serialPort is the subset of serial.Port the line channel needs.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// openPort is swapped out in tests.
var openPort = func(path string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(path, mode)
}

// PortConfig holds connection settings for a serial device.
type PortConfig struct {
	Path     string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Port is a LineChannel over a serial port. Until Connect succeeds, and
// after any hard I/O failure, it runs disconnected: every call returns
// ErrNotConnected.
type Port struct {
	path     string
	baudRate int
	log      zerolog.Logger

	open atomic.Bool // readable while a read holds mu

	mu      sync.Mutex
	port    serialPort
	pending []byte // bytes received after the last complete line
	buf     []byte
}

// NewPort creates a serial line channel. It does not open the port.
func NewPort(cfg PortConfig) *Port {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	return &Port{
		path:     cfg.Path,
		baudRate: cfg.BaudRate,
		log:      logger.For("device").With().Str("port", cfg.Path).Logger(),
		buf:      make([]byte, 256),
	}
}

// Name returns the port path.
func (p *Port) Name() string { return p.path }

// Connect opens the port 8N1 and discards anything already buffered.
func (p *Port) Connect() error {
	mode := &serial.Mode{
		BaudRate: p.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := openPort(p.path, mode)
	if err != nil {
		return &ConnectionError{Port: p.path, Err: err}
	}
	if err := sp.ResetInputBuffer(); err != nil {
		sp.Close()
		return &ConnectionError{Port: p.path, Err: fmt.Errorf("flush input: %w", err)}
	}

	p.mu.Lock()
	if p.port != nil {
		p.port.Close()
	}
	p.port = sp
	p.pending = p.pending[:0]
	p.open.Store(true)
	p.mu.Unlock()

	p.log.Info().Int("baud", p.baudRate).Msg("connected")
	return nil
}

// Close releases the port. Safe to call when not open.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Port) closeLocked() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	p.open.Store(false)
	p.pending = p.pending[:0]
	return err
}

// IsOpen reports whether the port is connected.
func (p *Port) IsOpen() bool { return p.open.Load() }

// WriteLine sends text plus "\n" and waits for the bytes to leave the UART.
func (p *Port) WriteLine(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return ErrNotConnected
	}
	if _, err := p.port.Write([]byte(text + "\n")); err != nil {
		return p.fail("write", err)
	}
	if err := p.port.Drain(); err != nil {
		return p.fail("drain", err)
	}
	p.log.Debug().Str("tx", text).Send()
	return nil
}

// ReadLine returns the next line with "\r\n" or "\n" stripped. A partial
// line left at the deadline is kept and completed by the next call.
func (p *Port) ReadLine(timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return "", ErrNotConnected
	}

	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(p.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(p.pending[:i]), "\r")
			p.pending = append(p.pending[:0], p.pending[i+1:]...)
			p.log.Debug().Str("rx", line).Send()
			return line, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if err := p.port.SetReadTimeout(remaining); err != nil {
			return "", p.fail("set timeout", err)
		}
		n, err := p.port.Read(p.buf)
		if n > 0 {
			p.pending = append(p.pending, p.buf[:n]...)
		}
		if err != nil {
			return "", p.fail("read", err)
		}
		if n == 0 {
			// go.bug.st/serial signals an expired read timeout with 0, nil.
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
	}
}

// fail drops the connection after a hard I/O error so later calls report
// ErrNotConnected until the port is reopened.
func (p *Port) fail(op string, err error) error {
	p.log.Error().Err(err).Str("op", op).Msg("i/o failed, closing port")
	p.closeLocked()

	var perr *serial.PortError
	if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
		return ErrNotConnected
	}
	return fmt.Errorf("device: %s %s: %w", op, p.path, err)
}
