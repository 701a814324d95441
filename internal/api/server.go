// Package api exposes the query surface over the persisted readings, the
// on-demand analysis endpoint and the login surface.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diagnet/internal/analysis"
	"diagnet/internal/auth"
	"diagnet/internal/cache"
	"diagnet/internal/config"
	"diagnet/internal/ingest"
	"diagnet/internal/metrics"
	"diagnet/internal/storage"
)

// Server wires the HTTP surface. Analysis runs on the handler goroutine
// that received the request; nothing here spawns background work.
type Server struct {
	store     storage.Store
	analyzer  *analysis.Analyzer
	results   *cache.ResultCache
	users     auth.IdentityProvider
	tokens    *auth.Tokens
	validator *ingest.Validator
	cfg       config.APIConfig
	alerts    config.AnalysisConfig
	logger    *slog.Logger
}

func NewServer(
	store storage.Store,
	analyzer *analysis.Analyzer,
	results *cache.ResultCache,
	users auth.IdentityProvider,
	tokens *auth.Tokens,
	validator *ingest.Validator,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	return &Server{
		store:     store,
		analyzer:  analyzer,
		results:   results,
		users:     users,
		tokens:    tokens,
		validator: validator,
		cfg:       cfg.API,
		alerts:    cfg.Analysis,
		logger:    logger,
	}
}

// Router builds the full route tree including the auth filter and the
// request deadline.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsHeaders)
	r.Use(countRequests)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(auth.Middleware(s.tokens))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/validate", s.handleValidate)
	})

	r.Route("/data", func(r chi.Router) {
		r.Post("/", s.handleIngest)
		r.Get("/recent", s.handleRecent)
		r.Get("/range", s.handleRange)
		r.Get("/status/{status}", s.handleByStatus)
		r.Get("/alerts/temperature", s.handleAlerts(storage.MetricTemperature))
		r.Get("/alerts/vibration", s.handleAlerts(storage.MetricVibration))
		r.Route("/machine/{id}", func(r chi.Router) {
			r.Get("/", s.handleByMachine)
			r.Get("/recent", s.handleMachineRecent)
			r.Get("/stats", s.handleMachineStats)
		})
	})

	r.Get("/analysis/machine/{id}", s.handleAnalysis)

	return r
}

// ListenAndServe runs until ctx ends, then shuts the listener down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.HTTPRequests.WithLabelValues(
			r.Method, routePattern(r), strconv.Itoa(ww.Status())).Inc()
	})
}

// routePattern returns the chi route template so machine IDs do not
// explode the label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
