// Package api serves the HTTP query surface over the ingested facts and
// aggregates: pipeline listings, statistics, distinct-value helpers, the
// operational endpoints, and the rendered dashboard. Aggregate responses
// are cached as marshaled JSON; everything else reads the store directly.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipewatch/pipewatch/internal/cache"
	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/observability"
	"github.com/pipewatch/pipewatch/internal/store"
)

const (
	contentTypeJSON = "application/json"

	// shutdownTimeout caps the drain of in-flight requests once the serve
	// context is cancelled.
	shutdownTimeout = 10 * time.Second

	corsMaxAgeSeconds = 300
)

// Refresher wakes the monitor loop for an immediate poll.
type Refresher interface {
	ForceRefresh()
}

// ProjectRegistry exposes the monitor's discovered-project snapshot.
type ProjectRegistry interface {
	Projects() []gitlab.Project
}

// Options configures Server. Store is required. Cache, Registry, Refresher,
// Metrics, RED, and PromHandler are optional; the endpoints backed by an
// absent one degrade instead of panicking.
type Options struct {
	Store        *store.Store
	Cache        *cache.QueryCache
	Registry     ProjectRegistry
	Refresher    Refresher
	Logger       *slog.Logger
	Tracer       trace.Tracer
	RED          *observability.REDMetrics
	Metrics      *observability.ServiceMetrics
	PromHandler  http.Handler
	BranchFilter *regexp.Regexp
	Addr         string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the query side of the observer.
type Server struct {
	store        *store.Store
	cache        *cache.QueryCache
	registry     ProjectRegistry
	refresher    Refresher
	logger       *slog.Logger
	tracer       trace.Tracer
	red          *observability.REDMetrics
	metrics      *observability.ServiceMetrics
	promHandler  http.Handler
	branchFilter *regexp.Regexp
	addr         string
	corsOrigins  []string
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

// NewServer builds a Server from opts.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("pipewatch/api")
	}

	return &Server{
		store:        opts.Store,
		cache:        opts.Cache,
		registry:     opts.Registry,
		refresher:    opts.Refresher,
		logger:       logger.With("job", "api"),
		tracer:       tracer,
		red:          opts.RED,
		metrics:      opts.Metrics,
		promHandler:  opts.PromHandler,
		branchFilter: opts.BranchFilter,
		addr:         opts.Addr,
		corsOrigins:  opts.CORSOrigins,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		idleTimeout:  opts.IdleTimeout,
	}
}

// Router assembles the handler tree. Probe and metrics endpoints sit
// outside the traced group so scrapes do not pollute the RED series.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         corsMaxAgeSeconds,
	}))

	r.Get("/healthz", observability.HealthHandler().ServeHTTP)
	r.Get("/readyz", observability.ReadyHandler(s.store.Ping).ServeHTTP)

	if s.promHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.promHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.HTTPMiddleware(s.tracer, s.red))

		r.Route("/api", func(r chi.Router) {
			r.Get("/pipelines", s.handleListPipelines)
			r.Get("/stats/summary", s.handleSummaryStats)
			r.Get("/stats/projects", s.handleProjectStats)
			r.Get("/stats/trend", s.handleTrendStats)
			r.Get("/projects", s.handleListProjects)
			r.Get("/refs", s.handleListRefs)
			r.Get("/monitored_projects", s.handleMonitoredProjects)
			r.Post("/refresh_daily_stats", s.handleRebuildAggregates)
			r.Post("/refresh", s.handleForceRefresh)
		})

		r.Get("/dashboard", s.handleDashboard)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("http server listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	s.logger.Info("http server stopped")

	return nil
}

// logRequests emits one structured line per request. Probe and scrape
// traffic logs at debug so steady state stays readable.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		level := slog.LevelInfo

		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			level = slog.LevelDebug
		}

		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
