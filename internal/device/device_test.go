package device

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/shaunagostinho/pmsdash/internal/protocol"
)

// fakePort replays scripted read chunks. An exhausted script behaves like an
// expired serial read timeout: 0 bytes, nil error.
type fakePort struct {
	mu       sync.Mutex
	chunks   [][]byte
	readErr  error
	written  []string
	timeouts []time.Duration
	flushed  bool
	closed   bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) == 0 {
		return 0, f.readErr
	}
	n := copy(p, f.chunks[0])
	f.chunks = f.chunks[1:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(p))
	return len(p), nil
}

func (f *fakePort) Drain() error { return nil }

func (f *fakePort) SetReadTimeout(t time.Duration) error {
	f.timeouts = append(f.timeouts, t)
	return nil
}

func (f *fakePort) ResetInputBuffer() error { f.flushed = true; return nil }
func (f *fakePort) Close() error            { f.closed = true; return nil }

func withFakePort(t *testing.T, fp *fakePort, openErr error) {
	t.Helper()
	orig := openPort
	openPort = func(path string, mode *serial.Mode) (serialPort, error) {
		if openErr != nil {
			return nil, openErr
		}
		return fp, nil
	}
	t.Cleanup(func() { openPort = orig })
}

func TestPortDisconnectedUntilOpened(t *testing.T) {
	p := NewPort(PortConfig{Path: "/dev/null-device"})
	assert.False(t, p.IsOpen())
	assert.ErrorIs(t, p.WriteLine("START"), ErrNotConnected)
	_, err := p.ReadLine(time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPortConnectFailure(t *testing.T) {
	withFakePort(t, nil, errors.New("no such file"))
	p := NewPort(PortConfig{Path: "/dev/ttyACM9"})

	err := p.Connect()
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "/dev/ttyACM9", cerr.Port)
	assert.False(t, p.IsOpen())
}

func TestPortWriteLineAppendsNewline(t *testing.T) {
	fp := &fakePort{}
	withFakePort(t, fp, nil)
	p := NewPort(PortConfig{Path: "/dev/ttyACM0"})
	require.NoError(t, p.Connect())
	assert.True(t, fp.flushed, "input must be flushed on open")

	require.NoError(t, p.WriteLine("SET SAMPLES 3"))
	assert.Equal(t, []string{"SET SAMPLES 3\n"}, fp.written)
}

func TestPortReadLineAssemblesChunks(t *testing.T) {
	fp := &fakePort{chunks: [][]byte{
		[]byte("OK SET"),
		[]byte(" SAMPLES 3\r\nV 0 1"),
		[]byte(".0\r\nV 1 2.0\n"),
	}}
	withFakePort(t, fp, nil)
	p := NewPort(PortConfig{Path: "/dev/ttyACM0"})
	require.NoError(t, p.Connect())

	for _, want := range []string{"OK SET SAMPLES 3", "V 0 1.0", "V 1 2.0"} {
		line, err := p.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}

	_, err := p.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPortReadLineKeepsPartialAcrossTimeout(t *testing.T) {
	fp := &fakePort{chunks: [][]byte{[]byte("V 0 ")}}
	withFakePort(t, fp, nil)
	p := NewPort(PortConfig{Path: "/dev/ttyACM0"})
	require.NoError(t, p.Connect())

	_, err := p.ReadLine(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	fp.mu.Lock()
	fp.chunks = append(fp.chunks, []byte("4.5\r\n"))
	fp.mu.Unlock()

	line, err := p.ReadLine(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "V 0 4.5", line)
}

func TestPortReadErrorDropsConnection(t *testing.T) {
	fp := &fakePort{readErr: errors.New("device unplugged")}
	withFakePort(t, fp, nil)
	p := NewPort(PortConfig{Path: "/dev/ttyACM0"})
	require.NoError(t, p.Connect())

	_, err := p.ReadLine(10 * time.Millisecond)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.True(t, fp.closed)
	assert.False(t, p.IsOpen())

	_, err = p.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnected(t *testing.T) {
	var ch LineChannel = Disconnected{}
	assert.ErrorIs(t, ch.WriteLine("START"), ErrNotConnected)
	_, err := ch.ReadLine(time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, IsOpen(ch))
}

func TestDemoRun(t *testing.T) {
	d := NewDemo()
	assert.ErrorIs(t, d.WriteLine("START"), ErrNotConnected)
	require.NoError(t, d.Connect())

	for _, cmd := range []string{"SET CHAN 0", "SET SAMPLES 3", "SET INTERVAL 1", "START"} {
		require.NoError(t, d.WriteLine(cmd))
		ack, err := d.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "OK "+cmd, ack)
	}

	for i := 0; i < 3; i++ {
		line, err := d.ReadLine(time.Second)
		require.NoError(t, err)
		f, err := protocol.DecodeReading(line)
		require.NoError(t, err, line)
		assert.Equal(t, "V", f.Tag)
		assert.Equal(t, i, f.Index)
	}

	_, err := d.ReadLine(5 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout, "device stops after the configured count")
}

func TestDemoStopAndBoard(t *testing.T) {
	d := NewDemo()
	require.NoError(t, d.Connect())

	require.NoError(t, d.WriteLine("GET BOARD"))
	line, err := d.ReadLine(time.Second)
	require.NoError(t, err)
	b, err := protocol.DecodeBoard(line)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Channels)

	require.NoError(t, d.WriteLine("SET INTERVAL 1000"))
	_, _ = d.ReadLine(time.Second)
	require.NoError(t, d.WriteLine("START"))
	_, _ = d.ReadLine(time.Second)
	require.NoError(t, d.WriteLine("STOP"))
	ack, err := d.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK STOP", ack)

	_, err = d.ReadLine(5 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, d.WriteLine("FLY"))
	ack, _ = d.ReadLine(time.Second)
	assert.Equal(t, "ERR FLY", ack)
}
