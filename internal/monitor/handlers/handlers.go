package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"filesyncd/internal/monitor/database"
	"filesyncd/internal/monitor/health"
	"filesyncd/internal/monitor/scheduler"
	ws "filesyncd/internal/monitor/websocket"
	"filesyncd/internal/orchestrator"
	fsync "filesyncd/internal/sync"
)

// Orchestrator is the part of the orchestrator the API drives.
type Orchestrator interface {
	Trigger(ctx context.Context, configID int64, trigger string) (*fsync.Result, error)
	Preview(ctx context.Context, configID int64) (*fsync.SyncPlan, error)
	TestConnection(ctx context.Context, configID int64) (int, error)
	Reload(ctx context.Context, startup bool) (orchestrator.ReloadResult, error)
}

// Scheduler exposes the task queue and the pause switch.
type Scheduler interface {
	Active() []scheduler.TaskInfo
	Pause()
	Resume()
	Paused() bool
}

// Handlers contains all HTTP route handlers
type Handlers struct {
	store    *database.Store
	orch     Orchestrator
	sched    Scheduler
	health   *health.State
	wsHub    *ws.Hub
	apiToken string
	now      func() time.Time
	log      logrus.FieldLogger
}

// Options carries the dependencies of the handlers.
type Options struct {
	Store        *database.Store
	Orchestrator Orchestrator
	Scheduler    Scheduler
	Health       *health.State
	Hub          *ws.Hub
	// APIToken enables bearer authentication on /api routes when set.
	APIToken string
	Logger   logrus.FieldLogger
}

// New creates a new handlers instance
func New(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handlers{
		store:    opts.Store,
		orch:     opts.Orchestrator,
		sched:    opts.Scheduler,
		health:   opts.Health,
		wsHub:    opts.Hub,
		apiToken: opts.APIToken,
		now:      time.Now,
		log:      opts.Logger.WithField("component", "api"),
	}
}

// Routes returns the daemon's HTTP handler.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ws", h.auth(h.WebSocket))

	api := map[string]http.HandlerFunc{
		"GET /api/configs":                 h.ListConfigs,
		"POST /api/configs":                h.CreateConfig,
		"GET /api/configs/{id}":            h.GetConfig,
		"PUT /api/configs/{id}":            h.UpdateConfig,
		"DELETE /api/configs/{id}":         h.DeleteConfig,
		"POST /api/configs/{id}/sync":      h.SyncConfig,
		"POST /api/configs/{id}/test":      h.TestConnection,
		"GET /api/configs/{id}/pending":    h.PendingFiles,
		"GET /api/configs/{id}/preview":    h.Preview,
		"GET /api/history":                 h.History,
		"GET /api/history/{id}":            h.GetRun,
		"GET /api/history/{id}/operations": h.Operations,
		"GET /api/tasks":                   h.Tasks,
		"POST /api/scheduler/pause":        h.Pause,
		"POST /api/scheduler/resume":       h.Resume,
		"POST /api/reload":                 h.Reload,
		"GET /api/stats":                   h.Stats,
	}
	for pattern, fn := range api {
		mux.HandleFunc(pattern, h.auth(fn))
	}
	return h.logRequests(mux)
}

// Health handler
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	_, lastErr := h.health.GetStatus()
	paused := h.sched != nil && h.sched.Paused()
	writeJSON(w, http.StatusOK, struct {
		health.Report
		LastError string `json:"last_error,omitempty"`
		Paused    bool   `json:"scheduler_paused"`
	}{h.health.Report(), lastErr, paused})
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes the connection through for the websocket upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fsync.ErrInvalidConfig), errors.Is(err, fsync.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrDuplicateName),
		errors.Is(err, fsync.ErrRunInProgress),
		errors.Is(err, fsync.ErrConfigInactive):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	writeError(w, status, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
