package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nanjiek/dbd-gateway/internal/backend"
	"github.com/nanjiek/dbd-gateway/internal/breaker"
	"github.com/nanjiek/dbd-gateway/internal/config"
	"github.com/nanjiek/dbd-gateway/internal/flags"
	"github.com/nanjiek/dbd-gateway/internal/identity"
	"github.com/nanjiek/dbd-gateway/internal/observability"
	"github.com/nanjiek/dbd-gateway/internal/repo"
	"github.com/nanjiek/dbd-gateway/internal/router"
	"github.com/nanjiek/dbd-gateway/internal/workerpool"
)

// dispatchTimeout bounds how long a /v1/dispatch request waits for its
// result once the job is queued. It does not bound the enqueue itself:
// Submit blocks while the worker queue is full.
const dispatchTimeout = 2 * time.Second

// DispatchRequest is the body of a /v1/dispatch probe: it asks the
// gateway which route and backend a request with this path/method/client
// would be sent to, without actually proxying anything.
type DispatchRequest struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// DispatchResponse reports the resolved route and backend, plus every
// feature flag decision for the resolved client.
type DispatchResponse struct {
	RouteID string           `json:"routeId,omitempty"`
	Backend string           `json:"backend,omitempty"`
	Flags   []flags.Decision `json:"flags,omitempty"`
}

// Server is the gateway's admin and dispatch HTTP surface: CRUD over the
// published flag set, route table, and backend pool, plus a read-only
// dispatch probe and a Prometheus /metrics endpoint.
type Server struct {
	cfg      config.ServerCfg
	repo     repo.Repo
	store    *flags.Store
	matcher  *router.Matcher
	pool     *backend.Pool
	workers  *workerpool.Pool
	health   *backend.HealthTracker
	resolver *identity.Resolver
	refresh  *breaker.Breaker
	logger   *slog.Logger
	srv      *http.Server
}

// NewServer wires an admin/dispatch Server over the gateway's three
// published containers, the worker pool that actually resolves dispatch
// decisions, and the health tracker backend probes report into. repo may
// be nil in tests that never exercise the control-plane persistence
// path. A nil refresh falls back to a disabled breaker, so publishUpdate
// always has a safe Do to call through. A nil health falls back to a
// tracker with no Redis tier, so health reports still update the pool
// directly once failThreshold is reached.
func NewServer(cfg config.ServerCfg, r repo.Repo, store *flags.Store, matcher *router.Matcher, pool *backend.Pool, workers *workerpool.Pool, health *backend.HealthTracker, refresh *breaker.Breaker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if refresh == nil {
		refresh, _ = breaker.New("gateway.publish", config.BreakerCfg{Enabled: false})
	}
	if health == nil {
		health = backend.NewHealthTracker(nil, pool, "", logger)
	}
	return &Server{
		cfg:      cfg,
		repo:     r,
		store:    store,
		matcher:  matcher,
		pool:     pool,
		health:   health,
		workers:  workers,
		resolver: identity.NewResolver(),
		refresh:  refresh,
		logger:   logger,
	}
}

// RegisterRoutes mounts every admin, dispatch, and metrics handler onto r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	named := func(name string, h http.HandlerFunc) http.Handler {
		return observability.Measure(name, h)
	}

	r.Handle("/v1/flags", named("admin.flags.list", s.listFlagsHandler)).Methods(http.MethodGet)
	r.Handle("/v1/flags", named("admin.flags.put", s.putFlagsHandler)).Methods(http.MethodPut)
	r.Handle("/v1/flags/evaluate", named("admin.flags.evaluate", s.evaluateFlagsHandler)).Methods(http.MethodGet)

	r.Handle("/v1/routes", named("admin.routes.list", s.listRoutesHandler)).Methods(http.MethodGet)
	r.Handle("/v1/routes", named("admin.routes.put", s.putRoutesHandler)).Methods(http.MethodPut)

	r.Handle("/v1/backends", named("admin.backends.list", s.listBackendsHandler)).Methods(http.MethodGet)
	r.Handle("/v1/backends", named("admin.backends.put", s.putBackendsHandler)).Methods(http.MethodPut)
	r.Handle("/v1/backends/{id}/health", named("admin.backends.health", s.setBackendHealthHandler)).Methods(http.MethodPost)

	r.Handle("/v1/dispatch", named("dispatch", s.dispatchHandler)).Methods(http.MethodPost)

	r.Handle("/metrics", observability.MetricsHandler())
}

// ListenAndServe starts the HTTP server on cfg.HTTPAddr. It blocks until
// the server stops or errors.
func (s *Server) ListenAndServe() error {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	s.srv = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------- Flags ----------------

func (s *Server) listFlagsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	reader, err := s.store.Join()
	if err != nil {
		errResp(w, http.StatusServiceUnavailable, "flag store join failed: "+err.Error())
		return
	}
	defer reader.Close()

	client, _ := s.resolver.Resolve(r)
	decisions, err := reader.EvaluateAll(client)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "evaluate failed: "+err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(decisions)
}

func (s *Server) putFlagsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req []config.Flag
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.store.Replace(req)
	s.publishUpdate(r.Context(), "flags")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) evaluateFlagsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	client, err := s.resolver.Resolve(r)
	if err != nil {
		errResp(w, http.StatusBadRequest, "cannot resolve client identity: "+err.Error())
		return
	}

	reader, err := s.store.Join()
	if err != nil {
		errResp(w, http.StatusServiceUnavailable, "flag store join failed: "+err.Error())
		return
	}
	defer reader.Close()

	key := r.URL.Query().Get("key")
	if key == "" {
		decisions, err := reader.EvaluateAll(client)
		if err != nil {
			errResp(w, http.StatusInternalServerError, "evaluate failed: "+err.Error())
			return
		}
		_ = json.NewEncoder(w).Encode(decisions)
		return
	}

	dec, err := reader.Evaluate(key, client)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "evaluate failed: "+err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(dec)
}

// ---------------- Routes ----------------

func (s *Server) listRoutesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	reader, err := s.matcher.Join()
	if err != nil {
		errResp(w, http.StatusServiceUnavailable, "route table join failed: "+err.Error())
		return
	}
	defer reader.Close()

	routes, err := reader.Match(router.RequestCtx{})
	if err != nil {
		errResp(w, http.StatusInternalServerError, "match failed: "+err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(routes)
}

func (s *Server) putRoutesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req []config.Route
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	byID := make(map[string]config.Route, len(req))
	for _, route := range req {
		byID[route.RouteID] = route
	}
	s.matcher.Replace(router.BuildRouteSnapshot(byID))
	s.publishUpdate(r.Context(), "routes")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---------------- Backends ----------------

func (s *Server) listBackendsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	reader, err := s.pool.Join()
	if err != nil {
		errResp(w, http.StatusServiceUnavailable, "backend pool join failed: "+err.Error())
		return
	}
	defer reader.Close()

	targets, err := reader.Snapshot()
	if err != nil {
		errResp(w, http.StatusInternalServerError, "snapshot failed: "+err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(targets)
}

func (s *Server) putBackendsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req []config.Backend
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.pool.Replace(req)
	s.publishUpdate(r.Context(), "backends")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// publishUpdate notifies other gateway processes that container changed,
// through the circuit breaker guarding Redis access so a struggling
// cluster doesn't stall the admin request that already applied the
// change locally.
func (s *Server) publishUpdate(ctx context.Context, container string) {
	if s.repo == nil {
		return
	}
	err := s.refresh.Do(ctx, func(ctx context.Context) error {
		return s.repo.PublishUpdate(ctx, container)
	})
	if err != nil {
		s.logger.Warn("failed to publish update", "container", container, "err", err)
	}
}

// setBackendHealthHandler reports a health probe result for a backend. It
// routes through HealthTracker rather than flipping Pool.SetHealthy
// directly, so a single flaky probe doesn't immediately pull a target out
// of rotation — only failThreshold consecutive failures within the
// tracking window do.
func (s *Server) setBackendHealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := mux.Vars(r)["id"]
	var req struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Healthy {
		s.health.RecordRecovery(r.Context(), id)
	} else {
		s.health.RecordFailure(r.Context(), id)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "id": id})
}

// ---------------- Dispatch ----------------

// dispatchHandler resolves a route and backend target the same way a
// real proxied request would, by submitting a Job to the worker pool
// instead of joining the containers itself — the dispatch hot path
// always runs through the pool's long-lived readers, never a per-request
// Join.
func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	client, err := s.resolver.Resolve(r)
	if err != nil {
		errResp(w, http.StatusBadRequest, "cannot resolve client identity: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dispatchTimeout)
	defer cancel()

	done := make(chan workerpool.Result, 1)
	s.workers.Submit(workerpool.Job{
		Ctx:      ctx,
		Route:    router.RequestCtx{Path: req.Path, Method: req.Method, Client: client},
		ShardKey: client.Key,
		Done:     done,
	})

	var result workerpool.Result
	select {
	case result = <-done:
	case <-ctx.Done():
		errResp(w, http.StatusGatewayTimeout, "dispatch timed out")
		return
	}

	switch {
	case result.Err == workerpool.ErrNoRouteMatched:
		errResp(w, http.StatusNotFound, "no route matched")
		return
	case result.Err != nil:
		errResp(w, http.StatusServiceUnavailable, "dispatch failed: "+result.Err.Error())
		return
	}

	resp := DispatchResponse{RouteID: result.RouteID, Backend: result.BackendAddr, Flags: result.Flags}

	_ = json.NewEncoder(w).Encode(resp)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
