// internal/server/server.go
// Package server implements the HTTP transport of the reports service.
// It exposes report, status, proximity and category endpoints over a chi
// router with bearer-token authentication, request body schema validation
// and idempotent report creation.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/attachment"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/category"
	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/proximity"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/report"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/workflow"
)

// IdempotencyTTL is how long a create response is replayed for the same key.
const IdempotencyTTL = 24 * time.Hour

// idempotencyClaimTTL bounds how long a key stays reserved by a request that
// never stored its response.
const idempotencyClaimTTL = time.Minute

// Deps are the collaborators the transport dispatches to.
type Deps struct {
	Store       storage.Store       // Used for readiness and idempotency
	Reports     *report.Service     // Create, read, list, delete, replace, stats
	Workflow    *workflow.Engine    // Status transitions
	Nearby      *proximity.Service  // Radius queries
	Categories  *category.Registry  // Category reads
	Attachments *attachment.Gateway // URL resolution for transition responses
	Schemas     *schema.Validator   // Request body shapes
	Auth        *jwks.Authenticator // nil disables authentication entirely
	Metrics     *metrics.Metrics    // Optional
	Logger      *slog.Logger        // Optional
	MediaDir    string              // Served under /media when non-empty
	CORSOrigins []string            // Allowed origins, empty denies all
	RateLimit   float64             // Requests per second per client, 0 disables
	RateBurst   int                 // Bucket size per client
	Now         func() time.Time    // Clock for idempotency expiry
}

// Server routes HTTP requests to the report services.
type Server struct {
	router  *chi.Mux
	store   storage.Store
	reports *report.Service
	flow    *workflow.Engine
	nearby  *proximity.Service
	cats    *category.Registry
	gateway *attachment.Gateway
	schemas *schema.Validator
	auth    *jwks.Authenticator
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rateLimiter
	now     func() time.Time
}

// New builds the router. Call Run on the returned server or use it as an
// http.Handler directly.
func New(d Deps) *Server {
	s := &Server{
		store:   d.Store,
		reports: d.Reports,
		flow:    d.Workflow,
		nearby:  d.Nearby,
		cats:    d.Categories,
		gateway: d.Attachments,
		schemas: d.Schemas,
		auth:    d.Auth,
		metrics: d.Metrics,
		logger:  d.Logger,
		now:     d.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if d.RateLimit > 0 {
		burst := d.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = newRateLimiter(d.RateLimit, burst, 10*time.Minute)
	}

	r := chi.NewMux()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(correlate)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)
	r.Use(corsHandler(d.CORSOrigins))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	if d.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(d.MediaDir))))
	}

	r.Route("/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limit(s.limiter))
		}
		api.Use(s.authenticate)

		api.Route("/reports", func(rr chi.Router) {
			rr.Post("/", s.handleCreateReport)
			rr.Get("/", s.handleListReports)
			rr.Get("/nearby", s.handleNearby)
			rr.Route("/{id}", func(ir chi.Router) {
				ir.Get("/", s.handleGetReport)
				ir.Delete("/", s.handleDeleteReport)
				ir.Patch("/status", s.handleTransition)
				ir.Put("/attachment", s.handleReplaceAttachment)
			})
		})
		api.Get("/categories", s.handleListCategories)
		api.Get("/categories/{id}", s.handleGetCategory)
		api.Get("/stats", s.handleStats)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, errordefs.New(errordefs.RPT_NOT_FOUND, "route not found", ""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, req, errordefs.New(errordefs.RPT_BAD_REQUEST, "method not allowed", ""))
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if s.limiter != nil {
		go s.limiter.run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleHealthz handles liveness health check requests
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.WarnContext(ctx, "readiness check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
