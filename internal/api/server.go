package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/capture"
	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/events"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/metrics"
	"github.com/JakeFAU/goalclip/internal/monitor"
	"github.com/JakeFAU/goalclip/internal/quota"
	"github.com/JakeFAU/goalclip/internal/registry"
)

// Registry is the subset of the target registry the API mutates.
type Registry interface {
	Targets() []live.Target
	Target(channel, name string) (live.Target, bool)
	Named(name string) []live.Target
	Add(ctx context.Context, channel, name string, subscribers []string) (live.Target, error)
	Remove(ctx context.Context, channel, name string) error
	Class(identity string) live.EntitlementClass
	SetEntitlement(ctx context.Context, identity string, class live.EntitlementClass) error
}

// Monitor is the subset of the goal monitor the API drives.
type Monitor interface {
	Register(t live.Target)
	Unregister(channel, name string)
	State(name string) (monitor.State, bool)
}

// StatusPeeker reads cached snapshots without triggering extraction.
type StatusPeeker interface {
	Peek(name string) (live.Snapshot, time.Time, bool)
	Invalidate(name string)
}

// Capturer runs manual captures.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) capture.Outcome
	Busy(channel, target string) bool
}

// CooldownChecker reports whether an identity may start a capture now.
type CooldownChecker interface {
	Check(identity string) quota.Decision
}

// IDGenerator mints capture job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls auth and static hosting.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// ClipsDir is served under /clips/ when set.
	ClipsDir       string
	RequestTimeout time.Duration
	// MaxJobs bounds the remembered manual capture outcomes.
	MaxJobs int
}

// Deps are the server's collaborators. Status, Capturer, Gate and Events may be nil.
type Deps struct {
	Registry Registry
	Monitor  Monitor
	Status   StatusPeeker
	Capturer Capturer
	Gate     CooldownChecker
	IDs      IDGenerator
	Events   events.Emitter
	Clock    live.Clock
	// Ready reports downstream readiness for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the registry, monitor and capture pipeline.
type Server struct {
	router chi.Router
	cfg    Config
	deps   Deps
	logger *zap.Logger
	jobs   *jobTable

	baseCtx context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.Named("api"),
		jobs:    newJobTable(cfg.MaxJobs),
		baseCtx: ctx,
		cancel:  cancel,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	if cfg.ClipsDir != "" {
		files := http.StripPrefix("/clips/", http.FileServer(http.Dir(cfg.ClipsDir)))
		r.Get("/clips/*", files.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			r.Post("/", s.addTarget)
			r.Delete("/{channel}/{name}", s.removeTarget)
			r.Get("/{name}/status", s.targetStatus)
		})
		r.Route("/entitlements", func(r chi.Router) {
			r.Get("/{identity}", s.getEntitlement)
			r.Put("/{identity}", s.setEntitlement)
		})
		r.Route("/captures", func(r chi.Router) {
			r.Post("/", s.submitCapture)
			r.Get("/{job_id}", s.getCapture)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown waits for running manual captures until ctx ends, then cancels them.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("api shutdown: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"targets": s.deps.Registry.Targets()})
}

type addTargetRequest struct {
	Channel     string   `json:"channel"`
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

func (s *Server) addTarget(w http.ResponseWriter, r *http.Request) {
	var req addTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Channel) == "" || live.Normalize(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "channel and name required")
		return
	}
	_, existed := s.deps.Registry.Target(strings.TrimSpace(req.Channel), req.Name)
	target, err := s.deps.Registry.Add(r.Context(), req.Channel, req.Name, req.Subscribers)
	if err != nil {
		s.logger.Error("add target failed", zap.String("target", req.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save target")
		return
	}
	s.deps.Monitor.Register(target)
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"target": target})
}

func (s *Server) removeTarget(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	name := chi.URLParam(r, "name")
	err := s.deps.Registry.Remove(r.Context(), channel, name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "target not found")
		return
	case err != nil:
		s.logger.Error("remove target failed", zap.String("target", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove target")
		return
	}
	s.deps.Monitor.Unregister(channel, name)
	if s.deps.Status != nil && len(s.deps.Registry.Named(name)) == 0 {
		s.deps.Status.Invalidate(name)
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Targets  []live.Target  `json:"targets,omitempty"`
	State    *monitor.State `json:"state,omitempty"`
	Snapshot *live.Snapshot `json:"snapshot,omitempty"`
	CachedAt *time.Time     `json:"cached_at,omitempty"`
}

func (s *Server) targetStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resp := statusResponse{Targets: s.deps.Registry.Named(name)}
	if st, ok := s.deps.Monitor.State(name); ok {
		resp.State = &st
	}
	if s.deps.Status != nil {
		if snap, at, ok := s.deps.Status.Peek(name); ok {
			resp.Snapshot, resp.CachedAt = &snap, &at
		}
	}
	if len(resp.Targets) == 0 && resp.State == nil && resp.Snapshot == nil {
		writeError(w, http.StatusNotFound, "target not monitored")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type entitlementRequest struct {
	Class live.EntitlementClass `json:"class"`
}

type entitlementResponse struct {
	Identity string                `json:"identity"`
	Class    live.EntitlementClass `json:"class"`
}

func (s *Server) getEntitlement(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	writeJSON(w, http.StatusOK, entitlementResponse{Identity: identity, Class: s.deps.Registry.Class(identity)})
}

func (s *Server) setEntitlement(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(chi.URLParam(r, "identity"))
	var req entitlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity required")
		return
	}
	err := s.deps.Registry.SetEntitlement(r.Context(), identity, req.Class)
	switch {
	case errors.Is(err, registry.ErrUnknownClass):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("set entitlement failed", zap.String("identity", identity), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save entitlement")
		return
	}
	s.logger.Info("entitlement updated", zap.String("identity", identity), zap.String("class", string(req.Class)))
	writeJSON(w, http.StatusOK, entitlementResponse{Identity: identity, Class: req.Class})
}

type captureRequest struct {
	Target          string `json:"target"`
	Channel         string `json:"channel"`
	Identity        string `json:"identity"`
	DurationSeconds int    `json:"duration_seconds"`
	Caption         string `json:"caption"`
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capturer == nil {
		writeError(w, http.StatusServiceUnavailable, "capture disabled")
		return
	}
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if live.Normalize(req.Target) == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "target and channel required")
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}
	if req.Identity == "" {
		req.Identity = req.Channel
	}
	if s.deps.Capturer.Busy(req.Channel, req.Target) {
		writeError(w, http.StatusConflict, capture.ErrBusy.Error())
		return
	}
	if s.deps.Gate != nil {
		if d := s.deps.Gate.Check(req.Identity); !d.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.Wait.Round(time.Second).Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":        capture.ErrQuota.Error(),
				"wait_seconds": int(d.Wait.Round(time.Second).Seconds()),
			})
			return
		}
	}

	jobID, err := s.newJobID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	creq := capture.Request{
		JobID:    jobID,
		Target:   req.Target,
		Channel:  req.Channel,
		Identity: req.Identity,
		Duration: time.Duration(req.DurationSeconds) * time.Second,
		Caption:  req.Caption,
	}
	s.jobs.start(jobID)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		out := s.deps.Capturer.Capture(s.baseCtx, creq)
		s.jobs.finish(jobID, out)
		evt := events.Event{
			Kind:    events.KindCaptureFinished,
			TS:      s.deps.Clock.Now(),
			Target:  out.Target,
			Channel: out.Channel,
			JobID:   out.JobID,
			Status:  string(out.Status),
		}
		if out.Err != nil {
			evt.Note = out.Err.Error()
		}
		s.deps.Events.Emit(evt)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

type jobResponse struct {
	JobID   string           `json:"job_id"`
	State   string           `json:"state"`
	Outcome *capture.Outcome `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	out, done, ok := s.jobs.get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	resp := jobResponse{JobID: jobID, State: "running"}
	if done {
		resp.State = "finished"
		resp.Outcome = &out
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) newJobID() (string, error) {
	if s.deps.IDs == nil {
		return uuid.NewString(), nil
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id, nil
}

// jobTable remembers the most recent manual capture jobs.
type jobTable struct {
	max int

	mu    sync.Mutex
	order []string
	jobs  map[string]*jobEntry
}

type jobEntry struct {
	done    bool
	outcome capture.Outcome
}

func newJobTable(limit int) *jobTable {
	if limit <= 0 {
		limit = 256
	}
	return &jobTable{max: limit, jobs: make(map[string]*jobEntry)}
}

func (t *jobTable) start(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = &jobEntry{}
	t.order = append(t.order, id)
	for len(t.order) > t.max {
		delete(t.jobs, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *jobTable) finish(id string, out capture.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.jobs[id]; ok {
		e.done, e.outcome = true, out
	}
}

func (t *jobTable) get(id string) (capture.Outcome, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return capture.Outcome{}, false, false
	}
	return e.outcome, e.done, true
}
