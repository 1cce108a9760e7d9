package device

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Demo simulates a measurement board in-process. It speaks the same line
// protocol as the firmware: every command is acknowledged with one line, and
// after START it emits "<tag> <index> <value>" once per interval until the
// configured sample count has been sent.
type Demo struct {
	mu sync.Mutex

	samples  int
	interval time.Duration
	channel  int

	running bool
	started time.Time
	emitted int

	replies []string // queued acknowledgments, served before readings
	open    bool
	noise   float64
}

// NewDemo creates a simulated device with the firmware's power-on defaults.
func NewDemo() *Demo {
	return &Demo{
		samples:  20,
		interval: 250 * time.Millisecond,
		noise:    0.02,
	}
}

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.running = false
	d.replies = nil
	return nil
}

func (d *Demo) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// WriteLine interprets one command and queues its acknowledgment.
func (d *Demo) WriteLine(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNotConnected
	}

	fields := strings.Fields(text)
	reply := "OK " + text
	switch {
	case len(fields) == 3 && fields[0] == "SET":
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < 0 {
			reply = "ERR " + text
			break
		}
		switch fields[1] {
		case "SAMPLES":
			d.samples = n
		case "INTERVAL":
			d.interval = time.Duration(n) * time.Millisecond
		case "CHAN":
			d.channel = n
		default:
			reply = "ERR " + text
		}
	case text == "START":
		d.running = true
		d.started = time.Now()
		d.emitted = 0
	case text == "STOP":
		d.running = false
	case text == "GET BOARD":
		reply = "BOARD PMS v 1.4 3"
	default:
		reply = "ERR " + text
	}
	d.replies = append(d.replies, reply)
	return nil
}

// ReadLine returns a queued acknowledgment, or waits for the next reading to
// fall due. Readings are paced from the START time, so a slow reader catches
// up without losing samples.
func (d *Demo) ReadLine(timeout time.Duration) (string, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return "", ErrNotConnected
	}
	if len(d.replies) > 0 {
		line := d.replies[0]
		d.replies = d.replies[1:]
		d.mu.Unlock()
		return line, nil
	}
	if !d.running || d.emitted >= d.samples {
		d.running = false
		d.mu.Unlock()
		time.Sleep(timeout)
		return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	idx := d.emitted
	due := d.started.Add(time.Duration(idx) * d.interval)
	wait := time.Until(due)
	if wait > timeout {
		d.mu.Unlock()
		time.Sleep(timeout)
		return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	d.emitted++
	tag, value := d.sample(idx)
	d.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	return fmt.Sprintf("%s %d %s", tag, idx, strconv.FormatFloat(value, 'f', 3, 64)), nil
}

// sample produces a plausible reading for the selected channel at index i.
func (d *Demo) sample(i int) (string, float64) {
	t := float64(i) * d.interval.Seconds()
	jitter := (rand.Float64()*2 - 1) * d.noise
	switch d.channel {
	case 1:
		// Ultrasound range: a cart rolling back and forth, 100-500 mm.
		return "U", 300 + 200*math.Sin(t*0.8) + jitter*100
	case 2:
		return "I", 150 + 50*math.Cos(t*1.3) + jitter*50
	default:
		// Voltage: a discharging capacitor, 5 V with RC = 2 s.
		return "V", 5*math.Exp(-t/2) + jitter
	}
}
