package monitor

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"tailscale.com/tsweb"

	"github.com/banshee-data/spinlidar/internal/db"
	"github.com/banshee-data/spinlidar/internal/httputil"
	"github.com/banshee-data/spinlidar/internal/monitoring"
	"github.com/banshee-data/spinlidar/internal/publish"
	"github.com/banshee-data/spinlidar/internal/rotation"
	"github.com/banshee-data/spinlidar/internal/serialport"
	"github.com/banshee-data/spinlidar/internal/tune"
	"github.com/banshee-data/spinlidar/internal/version"
)

//go:embed status.html
var statusFS embed.FS

var statusTemplate = template.Must(template.New("status.html").Funcs(template.FuncMap{
	"comma": func(n any) string {
		switch v := n.(type) {
		case int:
			return humanize.Comma(int64(v))
		case uint64:
			return humanize.Comma(int64(v))
		default:
			return fmt.Sprint(v)
		}
	},
	"bytes": humanize.Bytes,
	"ago":   humanize.Time,
}).ParseFS(statusFS, "status.html"))

const (
	defaultTuneRunsLimit = 20
	maxTuneRunsLimit     = 100
	shutdownTimeout      = time.Second
)

// Pipeline is the rotation buffer the server reports on and controls.
// *rotation.Buffer implements it.
type Pipeline interface {
	RPM() float64
	SetRPM(rpm float64) error
	Reset()
	Len() int
	Stats() rotation.Stats
}

// Feed supplies captured rotations. *publish.Publisher implements it.
type Feed interface {
	Latest() (publish.Rotation, bool)
	Subscribe() (int, <-chan publish.Rotation)
	Unsubscribe(id int)
	Stats() publish.Stats
}

// TuneHistory lists recorded tuning runs. *db.DB implements it.
type TuneHistory interface {
	TuneRuns(limit int) ([]db.TuneRun, error)
	TuneTrials(runID string) ([]db.TuneTrial, error)
}

// TuneController starts tuning runs in the background.
type TuneController interface {
	StartTune() error
	Running() bool
}

// WebServerConfig contains configuration options for the web server.
// Everything but Address and Pipeline is optional.
type WebServerConfig struct {
	Address  string
	Pipeline Pipeline
	Feed     Feed
	History  TuneHistory
	Tuner    TuneController
	Serial   func() serialport.TransportStats

	// AdminRoutes attach extra handlers, typically under /debug/.
	AdminRoutes []func(mux *http.ServeMux) error
}

// WebServer serves pipeline status, rotation data and controls over HTTP.
type WebServer struct {
	address  string
	pipeline Pipeline
	feed     Feed
	history  TuneHistory
	tuner    TuneController
	serial   func() serialport.TransportStats
	started  time.Time

	server *http.Server

	closeOnce sync.Once
	closing   chan struct{}
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.Pipeline == nil {
		return nil, errors.New("monitor: pipeline is required")
	}

	ws := &WebServer{
		address:  config.Address,
		pipeline: config.Pipeline,
		feed:     config.Feed,
		history:  config.History,
		tuner:    config.Tuner,
		serial:   config.Serial,
		started:  time.Now(),
		closing:  make(chan struct{}),
	}

	mux := ws.setupRoutes()
	for _, attach := range config.AdminRoutes {
		if err := attach(mux); err != nil {
			return nil, fmt.Errorf("failed to attach admin routes: %w", err)
		}
	}

	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the server's root handler.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves HTTP until ctx is cancelled, then shuts the server down. It
// returns early if the listener cannot be opened.
func (ws *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ws.address, err)
	}
	return ws.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (ws *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	// Websocket connections are hijacked and not covered by Shutdown.
	ws.closeOnce.Do(func() { close(ws.closing) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatusPage)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/rpm", ws.handleRPM)
	mux.HandleFunc("/api/reset", ws.handleReset)
	mux.HandleFunc("/api/rotation", ws.handleRotation)
	mux.HandleFunc("/api/tune", ws.handleTune)
	mux.HandleFunc("/api/tune/runs", ws.handleTuneRuns)
	mux.HandleFunc("/charts/rotation", ws.handleRotationChart)
	mux.HandleFunc("/plots/rotation.png", ws.handleRotationPlot)
	mux.HandleFunc("/ws/rotations", ws.handleRotationStream)

	debug := tsweb.Debugger(mux)
	debug.KVFunc("RPM", func() any { return ws.pipeline.RPM() })
	debug.KVFunc("Queued samples", func() any { return humanize.Comma(int64(ws.pipeline.Len())) })
	debug.KVFunc("Rotations read", func() any { return humanize.Comma(int64(ws.pipeline.Stats().Rotations)) })
	debug.KVFunc("Bad frame headers", func() any { return humanize.Comma(int64(ws.pipeline.Stats().Frames.BadHeaders)) })
	debug.KVFunc("Debug logging", func() any { return monitoring.DebugEnabled() })
	debug.HandleFunc("pipeline-stats", "Pipeline counters as JSON", ws.handleStatus)

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "spinlidar", "version": %q, "timestamp": "%s"}`, version.Version, time.Now().UTC().Format(time.RFC3339))
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Uptime    string                     `json:"uptime"`
	Pipeline  rotation.Stats             `json:"pipeline"`
	Publisher *publish.Stats             `json:"publisher,omitempty"`
	Serial    *serialport.TransportStats `json:"serial,omitempty"`
	Tuning    bool                       `json:"tuning"`
}

func (ws *WebServer) status() StatusResponse {
	resp := StatusResponse{
		Uptime:   time.Since(ws.started).Round(time.Second).String(),
		Pipeline: ws.pipeline.Stats(),
	}
	if ws.feed != nil {
		stats := ws.feed.Stats()
		resp.Publisher = &stats
	}
	if ws.serial != nil {
		stats := ws.serial()
		resp.Serial = &stats
	}
	if ws.tuner != nil {
		resp.Tuning = ws.tuner.Running()
	}
	return resp
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.status())
}

func (ws *WebServer) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := struct {
		Address string
		Status  StatusResponse
		Latest  *publish.Rotation
	}{
		Address: ws.address,
		Status:  ws.status(),
	}
	if ws.feed != nil {
		if rot, ok := ws.feed.Latest(); ok {
			data.Latest = &rot
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
	}
}

type rpmRequest struct {
	RPM *float64 `json:"rpm"`
}

type rpmResponse struct {
	RPM             float64 `json:"rpm"`
	RotationSeconds float64 `json:"rotation_seconds"`
}

// handleRPM reports the motor speed on GET and changes it on POST with a
// body of {"rpm": x}. Samples already queued keep their angles.
func (ws *WebServer) handleRPM(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		var req rpmRequest
		if err := httputil.DecodeJSONBody(w, r, 1024, &req); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.RPM == nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'rpm' field")
			return
		}
		if ws.tuner != nil && ws.tuner.Running() {
			httputil.WriteJSONError(w, http.StatusConflict, "rpm is being tuned")
			return
		}
		if err := ws.pipeline.SetRPM(*req.RPM); err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		monitoring.Logf("monitor: rpm set to %g", *req.RPM)
	}

	stats := ws.pipeline.Stats()
	httputil.WriteJSON(w, http.StatusOK, rpmResponse{RPM: stats.RPM, RotationSeconds: stats.RotationSeconds})
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	discarded := ws.pipeline.Len()
	ws.pipeline.Reset()
	monitoring.Logf("monitor: queue reset, %d samples discarded", discarded)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"discarded": discarded})
}

// latest returns the newest captured rotation, writing an error response
// when there is none.
func (ws *WebServer) latest(w http.ResponseWriter) (publish.Rotation, bool) {
	if ws.feed == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "rotation publishing is disabled")
		return publish.Rotation{}, false
	}
	rot, ok := ws.feed.Latest()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no rotation captured yet")
		return publish.Rotation{}, false
	}
	return rot, true
}

func (ws *WebServer) handleRotation(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	rot, ok := ws.latest(w)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rot)
}

// handleTune starts a background tuning run on POST.
func (ws *WebServer) handleTune(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	if ws.tuner == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "tuning is not configured")
		return
	}
	if err := ws.tuner.StartTune(); err != nil {
		if errors.Is(err, tune.ErrAlreadyRunning) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleTuneRuns lists recent tuning runs, newest first.
// Query params:
//
//	limit (optional, default 20, at most 100)
//	run_id (optional) - return the trials of one run instead
func (ws *WebServer) handleTuneRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if ws.history == nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "no database configured for tuning history")
		return
	}

	if runID := r.URL.Query().Get("run_id"); runID != "" {
		trials, err := ws.history.TuneTrials(runID)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get tune trials: %v", err))
			return
		}
		if trials == nil {
			trials = []db.TuneTrial{}
		}
		httputil.WriteJSON(w, http.StatusOK, trials)
		return
	}

	limit := defaultTuneRunsLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = min(v, maxTuneRunsLimit)
	}

	runs, err := ws.history.TuneRuns(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get tune runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.TuneRun{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}
