// Package api exposes the deployment service, the invocation gateway and the
// artifact upload helper over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fnplane/fnplane/pkg/artifacts"
	"github.com/fnplane/fnplane/pkg/engine"
	"github.com/fnplane/fnplane/pkg/gateway"
	"github.com/fnplane/fnplane/pkg/telemetry"
)

// Deployments is the request service surface the API calls.
type Deployments interface {
	RequestDeployment(ctx context.Context, name string, artifact engine.ArtifactLocation) (*engine.ApplicationStatus, error)
	RequestDeletion(ctx context.Context, name string) (*engine.ApplicationStatus, error)
	GetStatus(ctx context.Context, name string) (*engine.ApplicationStatus, error)
}

// Invoker forwards invocations.
type Invoker interface {
	Invoke(ctx context.Context, name string, req *gateway.Request) (*gateway.Response, error)
	Proxy(ctx context.Context, name string, req *gateway.Request) (*gateway.Response, error)
}

// HealthChecker reports readiness of a dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config wires a Server.
type Config struct {
	Address     string
	Deployments Deployments
	Invoker     Invoker
	// Artifacts is optional. Without it /helper/upload answers 501.
	Artifacts artifacts.Store
	// DefaultBucket is used by uploads that name no bucket.
	DefaultBucket string
	// Health is optional and backs /readyz.
	Health HealthChecker

	AllowedOrigins  []string
	MaxUploadBytes  int64
	RetryAfter      time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Server is the fnplane HTTP API.
type Server struct {
	cfg       Config
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	validate  *validator.Validate
	router    chi.Router
	artifacts artifacts.Store
}

// NewServer builds the router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Deployments == nil {
		return nil, fmt.Errorf("deployment service is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		cfg:       cfg,
		logger:    telemetry.Component(cfg.Logger, "api"),
		metrics:   cfg.Metrics,
		validate:  validator.New(),
		artifacts: cfg.Artifacts,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
	}).Handler)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/applications", func(r chi.Router) {
		r.Post("/", s.deploy)
		r.Get("/{name}", s.invoke)
		r.Delete("/{name}", s.remove)
		r.Get("/{name}/status", s.status)
	})

	r.HandleFunc("/proxy/{name}", s.proxy)
	r.HandleFunc("/proxy/{name}/*", s.proxy)

	r.Post("/helper/upload", s.upload)

	return r
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "fnplane.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info().Str("address", s.cfg.Address).Msg("api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down api server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	}
}
