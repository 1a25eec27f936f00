// Package api serves the /health and /stats endpoints together with the
// metrics and API contract endpoints.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
	"github.com/pobradovic08/zigbee-beacon/internal/ratelimit"
)

// Source is the statistics provider behind the API, a *store.Store for the
// push variant or a *cache.Cache for the poll variant.
type Source interface {
	Stats(ctx context.Context) (model.Stats, error)
	Health() error
}

// Server is the HTTP API server.
type Server struct {
	httpServer  *http.Server
	source      Source
	metrics     *metrics.Collector
	rateLimiter *ratelimit.Limiter
	contract    *openapi3.T
	log         zerolog.Logger
	startedAt   time.Time
}

// ServerDeps holds the dependencies injected into the API server.
type ServerDeps struct {
	Source       Source
	Metrics      *metrics.Collector
	MetricsPath  string
	RateLimiter  *ratelimit.Limiter
	Contract     *openapi3.T
	Logger       zerolog.Logger
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TLSConfig enables HTTPS when set.
	TLSConfig *tls.Config
}

// NewServer creates a new API server with its middleware stack.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		source:      deps.Source,
		metrics:     deps.Metrics,
		rateLimiter: deps.RateLimiter,
		contract:    deps.Contract,
		log:         deps.Logger,
		startedAt:   time.Now(),
	}

	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		model.WriteError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		model.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/stats", s.withRateLimit(http.HandlerFunc(s.handleStats))).Methods(http.MethodGet)
	if s.contract != nil {
		router.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	}
	if deps.Metrics != nil && deps.MetricsPath != "" {
		router.Handle(deps.MetricsPath, deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	// Build middleware stack
	var handler http.Handler = router
	handler = s.withPanicRecovery(handler)
	handler = s.withLogging(handler)
	handler = withRequestID(handler)
	handler = withCORS(handler)
	handler = otelhttp.NewHandler(handler, "zigbee-beacon",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	s.httpServer = &http.Server{
		Addr:              deps.ListenAddr,
		Handler:           handler,
		ReadTimeout:       deps.ReadTimeout,
		ReadHeaderTimeout: deps.ReadTimeout,
		WriteTimeout:      deps.WriteTimeout,
		TLSConfig:         deps.TLSConfig,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP, or HTTPS when a TLS config was provided, on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.httpServer.TLSConfig != nil).Msg("starting API server")

	var err error
	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.ServeTLS(ln, "", "")
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Int("uptime_seconds", s.UptimeSeconds()).Msg("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// UptimeSeconds returns the number of seconds since the server started.
func (s *Server) UptimeSeconds() int {
	return int(time.Since(s.startedAt).Seconds())
}

// withRateLimit applies the per-client limit. Only /stats is limited.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return s.rateLimiter.Middleware(next)
}
