package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/device"
	"github.com/shaunagostinho/pmsdash/internal/metrics"
	"github.com/shaunagostinho/pmsdash/internal/store"
)

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	worker *acquisition.Worker
	cfg    *Config
	dir    string
}

func newTestEnv(t *testing.T, ch device.LineChannel, sinks Sinks) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Export.Dir = dir
	cfg.Server.PollHz = 200

	ctrl := acquisition.NewController(ch, cfg.Acquisition, acquisition.Options{AckTimeout: 200 * time.Millisecond})
	w := acquisition.NewWorker(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	web := fstest.MapFS{"index.html": {Data: []byte("<html>pmsdash</html>")}}
	s := New(cfg, w, web, sinks)
	s.startPumps(ctx)
	go s.tickLoop(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-w.Done()
	})
	return &testEnv{srv: s, ts: ts, worker: w, cfg: cfg, dir: dir}
}

func connectedDemo(t *testing.T) *device.Demo {
	t.Helper()
	d := device.NewDemo()
	require.NoError(t, d.Connect())
	return d
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) snapshot(t *testing.T) acquisition.Snapshot {
	t.Helper()
	code, body := e.do(t, "GET", "/api/snapshot", "")
	require.Equal(t, http.StatusOK, code)
	var snap acquisition.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	return snap
}

func waitIdle(t *testing.T, e *testEnv) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.worker.Snapshot().State == acquisition.Idle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunThroughAPI(t *testing.T) {
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	defer st.Close()
	m := metrics.New()
	e := newTestEnv(t, connectedDemo(t), Sinks{Store: st, Metrics: m})

	code, body := e.do(t, "POST", "/api/configure", `{"samples":3,"intervalMs":5,"channel":"ultrasound"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, 3, e.cfg.AcquisitionConfig().Samples)
	_, err = os.Stat(e.cfg.Path())
	assert.NoError(t, err, "configuration persisted")

	code, body = e.do(t, "POST", "/api/start", "")
	require.Equal(t, http.StatusOK, code, string(body))
	waitIdle(t, e)

	snap := e.snapshot(t)
	require.Len(t, snap.Readings, 3)
	assert.Equal(t, "millimeters(mm)", snap.Unit)
	require.NotNil(t, snap.Run)
	assert.Equal(t, acquisition.OutcomeCompleted, snap.Run.Outcome)
	for i, r := range snap.Readings {
		assert.Equal(t, i, r.Index)
		assert.InDelta(t, float64(i)*0.005, r.Elapsed, 1e-9)
	}

	code, body = e.do(t, "POST", "/api/export", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var exported map[string]string
	require.NoError(t, json.Unmarshal(body, &exported))
	assert.Equal(t, e.dir, filepath.Dir(exported["path"]))
	data, err := os.ReadFile(exported["path"])
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)

	require.Eventually(t, func() bool {
		code, body := e.do(t, "GET", "/api/runs", "")
		return code == http.StatusOK && bytes.Contains(body, []byte(`"outcome":"completed"`))
	}, 2*time.Second, 10*time.Millisecond)

	var runs []store.Run
	_, body = e.do(t, "GET", "/api/runs?limit=5", "")
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Count)

	code, body = e.do(t, "GET", "/api/runs/"+strconv.FormatInt(runs[0].ID, 10)+".csv", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(data), string(body), "download matches the export file")

	code, _ = e.do(t, "GET", "/api/runs/999", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = e.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `pmsdash_runs_total{outcome="completed"} 1`)
	assert.Contains(t, string(body), "pmsdash_readings_total 3")
}

// stalledPublisher blocks every Handle call until release is closed.
type stalledPublisher struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *stalledPublisher) Handle(acquisition.Event) error {
	p.calls.Add(1)
	<-p.release
	return nil
}

func TestStalledPublisherDoesNotLoseRuns(t *testing.T) {
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	defer st.Close()

	pub := &stalledPublisher{release: make(chan struct{})}
	e := newTestEnv(t, connectedDemo(t), Sinks{Store: st, MQTT: pub})
	t.Cleanup(func() { close(pub.release) })

	// More events than one subscription can buffer.
	code, _ := e.do(t, "POST", "/api/configure", `{"samples":300,"intervalMs":1}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, "POST", "/api/start", "")
	require.Equal(t, http.StatusOK, code)
	waitIdle(t, e)

	require.Eventually(t, func() bool {
		runs, err := st.List(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].Count == 300
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), pub.calls.Load(), "publisher is still stuck on its first event")
	assert.Len(t, e.snapshot(t).Readings, 300)
}

func TestExportStaysInExportDir(t *testing.T) {
	e := newTestEnv(t, connectedDemo(t), Sinks{})

	code, _ := e.do(t, "POST", "/api/configure", `{"samples":2,"intervalMs":5}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, "POST", "/api/start", "")
	require.Equal(t, http.StatusOK, code)
	waitIdle(t, e)

	outside := filepath.Join(t.TempDir(), "victim.conf")
	writeFile(t, outside, "important=1\n")

	for _, p := range []string{outside, "../victim.conf", "sub/../../x.csv"} {
		body, err := json.Marshal(map[string]string{"path": p})
		require.NoError(t, err)
		code, _ := e.do(t, "POST", "/api/export", string(body))
		assert.Equal(t, http.StatusBadRequest, code, p)
	}
	data, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "important=1\n", string(data))

	code, body := e.do(t, "POST", "/api/export", `{"path":"runs/first.csv"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	var exported map[string]string
	require.NoError(t, json.Unmarshal(body, &exported))
	assert.Equal(t, filepath.Join(e.dir, "runs", "first.csv"), exported["path"])
	_, err = os.Stat(exported["path"])
	assert.NoError(t, err)
}

func TestStopAndConflicts(t *testing.T) {
	e := newTestEnv(t, connectedDemo(t), Sinks{})

	code, _ := e.do(t, "POST", "/api/configure", `{"samples":1000,"intervalMs":50}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, "POST", "/api/start", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, "POST", "/api/configure", `{"samples":5}`)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = e.do(t, "POST", "/api/export", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, "POST", "/api/start", "")
	assert.Equal(t, http.StatusOK, code, "start while running is ignored")

	code, body := e.do(t, "POST", "/api/stop", "")
	require.Equal(t, http.StatusOK, code)
	var resp struct {
		Snapshot acquisition.Snapshot `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, acquisition.Idle, e.worker.Snapshot().State)
	assert.Equal(t, acquisition.OutcomeStopped, e.worker.Snapshot().Run.Outcome)
}

func TestValidationAndErrors(t *testing.T) {
	e := newTestEnv(t, connectedDemo(t), Sinks{})

	code, _ := e.do(t, "POST", "/api/configure", `{"samples":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "POST", "/api/configure", `{"channel":"sonar"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "POST", "/api/configure", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, "POST", "/api/export", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, "GET", "/api/runs", "")
	assert.Equal(t, http.StatusNotFound, code, "history disabled without a store")

	code, body := e.do(t, "GET", "/api/board", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"version":"1.4"`)

	code, body = e.do(t, "GET", "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "pmsdash")
}

func TestDisconnectedDevice(t *testing.T) {
	e := newTestEnv(t, device.Disconnected{}, Sinks{})

	assert.False(t, e.snapshot(t).Connected)
	code, _ := e.do(t, "POST", "/api/configure", `{"samples":4,"intervalMs":20,"channel":"ir"}`)
	assert.Equal(t, http.StatusOK, code, "configuration works without a device")

	code, _ = e.do(t, "POST", "/api/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = e.do(t, "GET", "/api/board", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, acquisition.Idle, e.snapshot(t).State)
}

func TestConfigEndpoint(t *testing.T) {
	e := newTestEnv(t, connectedDemo(t), Sinks{})

	code, body := e.do(t, "GET", "/api/config", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"acquisition"`)

	exportDir := filepath.Join(e.dir, "exports")
	code, _ = e.do(t, "POST", "/api/config", `{"export":{"dir":"`+exportDir+`"},"acquisition":{"intervalMs":40}}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, exportDir, e.cfg.ExportDir())
	assert.Equal(t, 40, e.worker.Snapshot().Config.IntervalMs, "idle worker picks up new settings")

	saved := LoadConfig(e.cfg.Path())
	assert.Equal(t, exportDir, saved.Export.Dir)

	code, _ = e.do(t, "POST", "/api/config", `{"acquisition":{"samples":-1}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, "DELETE", "/api/config", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestWebSocketStream(t *testing.T) {
	e := newTestEnv(t, connectedDemo(t), Sinks{})

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "snapshot", f.Type)
	require.NotNil(t, f.Snapshot)
	assert.Equal(t, acquisition.Idle, f.Snapshot.State)

	code, _ := e.do(t, "POST", "/api/configure", `{"samples":2,"intervalMs":5,"channel":"voltage"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, "POST", "/api/start", "")
	require.Equal(t, http.StatusOK, code)

	seen := map[string]int{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for seen["run_finished"] == 0 {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		seen[f.Type]++
		if f.Type == "reading" {
			require.NotNil(t, f.Reading)
			assert.Equal(t, "Volts(V)", f.Reading.Unit)
		}
	}
	assert.Equal(t, 2, seen["reading"])
	assert.GreaterOrEqual(t, seen["state"], 2)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(device.ErrNotConnected))
	assert.Equal(t, http.StatusBadGateway, statusFor(acquisition.ErrConfigurationFailed))
	assert.Equal(t, http.StatusConflict, statusFor(acquisition.ErrBusy))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}
