package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/pmsdash/internal/acquisition"
	"github.com/shaunagostinho/pmsdash/internal/device"
	"github.com/shaunagostinho/pmsdash/internal/export"
	"github.com/shaunagostinho/pmsdash/internal/logger"
	"github.com/shaunagostinho/pmsdash/internal/metrics"
	"github.com/shaunagostinho/pmsdash/internal/publish"
	"github.com/shaunagostinho/pmsdash/internal/store"
)

// Publisher forwards worker events to an external broker.
type Publisher interface {
	Handle(ev acquisition.Event) error
}

var _ Publisher = (*publish.MQTT)(nil)

// Sinks are the optional consumers of worker events. Nil fields are skipped.
type Sinks struct {
	Store   *store.Store
	MQTT    Publisher
	Metrics *metrics.Metrics
}

// Server exposes the acquisition worker over HTTP and WebSocket, drives its
// polling ticks and fans its events out to the configured sinks.
type Server struct {
	cfg    *Config
	worker *acquisition.Worker
	sinks  Sinks
	webFS  fs.FS
	log    zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Type     string                `json:"type"` // "snapshot" or an event kind
	Snapshot *acquisition.Snapshot `json:"snapshot,omitempty"`
	State    *acquisition.RunState `json:"state,omitempty"`
	Config   *acquisition.Config   `json:"config,omitempty"`
	Reading  *acquisition.Reading  `json:"reading,omitempty"`
	Run      *acquisition.RunInfo  `json:"run,omitempty"`
	Error    string                `json:"error,omitempty"`
	Stamp    int64                 `json:"stamp"` // Unix ms
}

// New creates a new Server. The worker must be running, or started before
// Run is called.
func New(cfg *Config, worker *acquisition.Worker, webFS fs.FS, sinks Sinks) *Server {
	return &Server{
		cfg:     cfg,
		worker:  worker,
		sinks:   sinks,
		webFS:   webFS,
		log:     logger.For("server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/configure", s.handleConfigure)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/export", s.handleExport)
	mux.HandleFunc("GET /api/board", s.handleBoard)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)

	if s.sinks.Metrics != nil {
		mux.Handle("GET /metrics", s.sinks.Metrics.Handler())
	}
	return mux
}

// Run starts the tick driver, the event pump and the HTTP server, and blocks
// until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.startPumps(ctx)
	go s.tickLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// tickLoop requests one polling iteration per period while a run is active.
// The worker coalesces ticks, so a slow device read never queues a backlog.
func (s *Server) tickLoop(ctx context.Context) {
	hz := s.cfg.Server.PollHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.worker.Snapshot()
			if snap.State == acquisition.Running {
				s.worker.Tick()
			}
			if s.sinks.Metrics != nil {
				s.sinks.Metrics.SetConnected(snap.Connected)
			}
		}
	}
}

// startPumps gives each consumer its own subscription. The worker drops
// events for a full subscriber, so a stalled broker only loses its own
// events and never the store's RunFinished.
func (s *Server) startPumps(ctx context.Context) {
	s.pump(ctx, "dashboard", 256, func(ev acquisition.Event) {
		s.broadcast(frameFor(ev))
		if m := s.sinks.Metrics; m != nil {
			m.Observe(ev)
		}
	})

	if st := s.sinks.Store; st != nil {
		s.pump(ctx, "store", 256, func(ev acquisition.Event) {
			if ev.Kind != acquisition.EventRunFinished {
				return
			}
			id, err := st.Save(ctx, *ev.Run, ev.Readings)
			if err != nil {
				s.log.Error().Err(err).Msg("saving run failed")
				return
			}
			s.log.Debug().Int64("id", id).Msg("run saved")
		})
	}

	if p := s.sinks.MQTT; p != nil {
		s.pump(ctx, "mqtt", 256, func(ev acquisition.Event) {
			if err := p.Handle(ev); err != nil {
				s.log.Warn().Err(err).Stringer("event", ev.Kind).Msg("mqtt publish failed")
			}
		})
	}
}

// pump subscribes to the worker and feeds events to handle on its own
// goroutine until ctx is done.
func (s *Server) pump(ctx context.Context, name string, buf int, handle func(acquisition.Event)) {
	events, unsubscribe := s.worker.Subscribe(buf)
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					s.log.Debug().Str("sink", name).Msg("event stream closed")
					return
				}
				handle(ev)
			}
		}
	}()
}

func frameFor(ev acquisition.Event) Frame {
	f := Frame{Type: ev.Kind.String(), Stamp: ev.Time.UnixMilli()}
	switch ev.Kind {
	case acquisition.EventReading:
		f.Reading = ev.Reading
	case acquisition.EventTickFailed:
		f.Error = ev.Err.Error()
	case acquisition.EventRunFinished:
		f.Run = ev.Run
		if ev.Err != nil {
			f.Error = ev.Err.Error()
		}
	}
	if ev.Kind != acquisition.EventReading {
		state, cfg := ev.State, ev.Config
		f.State = &state
		f.Config = &cfg
	}
	return f
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the initial snapshot before registering so it is the first frame.
	snap := s.worker.Snapshot()
	if data, err := json.Marshal(Frame{Type: "snapshot", Snapshot: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info().Int("clients", n).Msg("websocket client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; incoming messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info().Int("clients", n).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.Snapshot())
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	// Start from the active configuration so partial bodies work.
	cfg := s.worker.Snapshot().Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.worker.Configure(r.Context(), cfg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	s.cfg.SetAcquisition(cfg)
	if err := s.cfg.Save(); err != nil {
		s.log.Warn().Err(err).Msg("config save failed")
	}
	writeJSON(w, http.StatusOK, s.worker.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.Start(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.worker.Snapshot())
}

// handleStop always reports the resulting snapshot; an unacknowledged STOP
// is passed along as a warning.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Snapshot acquisition.Snapshot `json:"snapshot"`
		Warning  string               `json:"warning,omitempty"`
	}{}
	if err := s.worker.Stop(r.Context()); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, acquisition.ErrWorkerStopped) {
			writeError(w, statusFor(err), err)
			return
		}
		resp.Warning = err.Error()
	}
	resp.Snapshot = s.worker.Snapshot()
	writeJSON(w, http.StatusOK, resp)
}

// handleExport writes the last run into the export directory. The optional
// "path" is a file name relative to that directory and may not leave it.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dir := s.cfg.ExportDir()
	dest := dir
	if req.Path != "" {
		if !filepath.IsLocal(req.Path) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("export path %q must stay inside the export directory", req.Path))
			return
		}
		dest = filepath.Join(dir, req.Path)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	path, err := s.worker.ExportCSV(r.Context(), dest)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	info, err := s.worker.Board(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		// Acquisition settings take effect now when idle, otherwise at the
		// next configure.
		if err := s.worker.Configure(r.Context(), s.cfg.AcquisitionConfig()); err != nil {
			s.log.Warn().Err(err).Msg("acquisition settings not applied")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.sinks.Store == nil {
		writeError(w, http.StatusNotFound, errors.New("run history disabled"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.sinks.Store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRun serves /api/runs/{id} as JSON and /api/runs/{id}.csv as the
// export file format.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.sinks.Store == nil {
		writeError(w, http.StatusNotFound, errors.New("run history disabled"))
		return
	}
	raw := r.PathValue("id")
	asCSV := strings.HasSuffix(raw, ".csv")
	id, err := strconv.ParseInt(strings.TrimSuffix(raw, ".csv"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.sinks.Store.Load(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !asCSV {
		writeJSON(w, http.StatusOK, run)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(run.FinishedAt)+`"`)
	if err := export.Write(w, acquisition.Values(run.Readings)); err != nil {
		s.log.Warn().Err(err).Int64("id", id).Msg("csv download failed")
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, acquisition.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, acquisition.ErrNoRun):
		return http.StatusNotFound
	case errors.Is(err, acquisition.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, device.ErrNotConnected), errors.Is(err, acquisition.ErrWorkerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, acquisition.ErrConfigurationFailed), errors.Is(err, device.ErrTimeout):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
