// Package adminapi serves the admin/observability HTTP plane: a second,
// independent listener exposing registry and call-history introspection,
// a graceful-shutdown trigger, and the Prometheus scrape endpoint. It
// never touches a TU or registry lock directly; every handler reads
// already-synchronized snapshots.
package adminapi

import (
	"log/slog"
	"net/http"

	adminmw "github.com/flowpbx/pbxcore/internal/adminapi/middleware"
	"github.com/flowpbx/pbxcore/internal/recorder"
	"github.com/flowpbx/pbxcore/internal/registry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the subset of *registry.Registry the admin API reads.
type Registry interface {
	Snapshot() []registry.Entry
	Count() int
	ShuttingDown() bool
}

// Server holds the admin API's dependencies and chi router.
type Server struct {
	router *chi.Mux
	log    *slog.Logger

	reg  Registry
	cdrs *recorder.Store

	triggerShutdown func()
}

// Config configures a new admin API Server.
type Config struct {
	Registry        Registry
	CDRs            *recorder.Store
	AdminSecret     []byte
	Logger          *slog.Logger
	RateLimit       RateLimitConfig
	TriggerShutdown func()
}

// RateLimitConfig re-exports the admin middleware's rate limit tuning so
// callers outside this package don't need to import the middleware
// package directly.
type RateLimitConfig = adminmw.RateLimitConfig

// DefaultRateLimitConfig returns the default per-IP rate limit tuning for
// the admin API plane.
func DefaultRateLimitConfig() RateLimitConfig {
	return adminmw.DefaultRateLimitConfig()
}

// NewServer builds the admin API's router and mounts every route.
func NewServer(cfg Config) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		log:             cfg.Logger,
		reg:             cfg.Registry,
		cdrs:            cfg.CDRs,
		triggerShutdown: cfg.TriggerShutdown,
	}

	limiter := adminmw.NewIPRateLimiter(cfg.RateLimit)
	s.routes(cfg.AdminSecret, limiter)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(secret []byte, limiter *adminmw.IPRateLimiter) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(adminmw.RateLimit(limiter))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(adminmw.RequireAdminAuth(secret))
			r.Get("/registry", s.handleRegistry)
			r.Get("/calls", s.handleCalls)
			r.Get("/cdrs", s.handleCDRs)
			r.Post("/shutdown", s.handleShutdown)
		})
	})
}
