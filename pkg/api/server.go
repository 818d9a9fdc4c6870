package api

import (
	"context"
	"net/http"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/idempotency"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/metrics"
	"github.com/AstrBotDevs/shipyard-neo/pkg/router"
	"github.com/AstrBotDevs/shipyard-neo/pkg/warmpool"
)

// ownerHeader identifies the tenant. Authentication happens upstream; the
// orchestrator trusts the header and scopes every lookup by it.
const ownerHeader = "X-Shipyard-Owner"

// Server is the HTTP API.
type Server struct {
	mgr    *manager.Manager
	router *router.Router
	idem   *idempotency.Service
	queue  *warmpool.Queue
	cfg    *config.Config

	mux  *http.ServeMux
	http *http.Server
}

// NewServer wires the handlers. queue may be nil when the warm pool is
// disabled.
func NewServer(mgr *manager.Manager, rt *router.Router, idem *idempotency.Service, queue *warmpool.Queue, cfg *config.Config) *Server {
	s := &Server{
		mgr:    mgr,
		router: rt,
		idem:   idem,
		queue:  queue,
		cfg:    cfg,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /v1/sandboxes", s.createSandbox)
	s.handle("GET /v1/sandboxes", s.listSandboxes)
	s.handle("GET /v1/sandboxes/{id}", s.getSandbox)
	s.handle("DELETE /v1/sandboxes/{id}", s.deleteSandbox)
	s.handle("POST /v1/sandboxes/{id}/start", s.startSandbox)
	s.handle("POST /v1/sandboxes/{id}/stop", s.stopSandbox)
	s.handle("POST /v1/sandboxes/{id}/keepalive", s.keepalive)
	s.handle("POST /v1/sandboxes/{id}/extend_ttl", s.extendTTL)
	s.handle("GET /v1/sandboxes/{id}/logs", s.sandboxLogs)

	s.handle("POST /v1/sandboxes/{id}/python/exec", s.execPython)
	s.handle("POST /v1/sandboxes/{id}/shell/exec", s.execShell)
	s.handle("POST /v1/sandboxes/{id}/browser/exec", s.browserExec)
	s.handle("POST /v1/sandboxes/{id}/browser/exec_batch", s.browserExecBatch)

	s.handle("POST /v1/sandboxes/{id}/files/read", s.fsRead)
	s.handle("POST /v1/sandboxes/{id}/files/write", s.fsWrite)
	s.handle("POST /v1/sandboxes/{id}/files/list", s.fsList)
	s.handle("POST /v1/sandboxes/{id}/files/delete", s.fsDelete)
	s.handle("GET /v1/sandboxes/{id}/files/download", s.fsDownload)
	s.handle("PUT /v1/sandboxes/{id}/files/upload", s.fsUpload)

	s.handle("POST /v1/workspaces", s.createWorkspace)
	s.handle("GET /v1/workspaces/{id}", s.getWorkspace)

	s.handle("GET /v1/profiles", s.listProfiles)
	s.handle("GET /v1/warmpool/stats", s.warmPoolStats)

	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// handle registers a pattern with request logging and metrics.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, instrument(pattern, h))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		logger := log.WithComponent("api")
		logger.Debug().
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("Request handled")
	})
}

// owner extracts the tenant identity from the request.
func owner(r *http.Request) string {
	if o := r.Header.Get(ownerHeader); o != "" {
		return o
	}
	return "default"
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
