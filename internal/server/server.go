package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/tenantd/internal/api/v1"
	"github.com/gosuda/tenantd/internal/config"
	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/server/middleware"
	"github.com/gosuda/tenantd/internal/tenancy"
)

// QuotaService is everything the HTTP layer calls on quota.Service.
type QuotaService interface {
	v1.QuotaService
	middleware.QuotaEnforcer
}

// HealthCheck reports whether one backing service is reachable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services the routes are wired to.
type Deps struct {
	Store    v1.DataStore
	Quotas   QuotaService
	Health   []HealthCheck
	Gatherer prometheus.Gatherer

	// PoolStats, when set, is reported on /healthz.
	PoolStats func() tenancy.Stats
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	health     []HealthCheck
	poolStats  func() tenancy.Stats
}

// New creates a Server with all routes wired. ctx bounds the background
// sweepers of the rate limiters.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(hlog.NewHandler(log.Logger))
	router.Use(hlog.AccessHandler(accessLog))
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", middleware.HeaderTenantID},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router:    router,
		health:    deps.Health,
		poolStats: deps.PoolStats,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
	}

	// Mount API routes on /api/v1 with two sub-groups:
	// 1. Operator group addressing tenants by id.
	// 2. Tenant-scoped group resolved from the host or X-Tenant-ID.
	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(ctx, 50, cfg.Server.RateLimitBurst))

			adminConfig := huma.DefaultConfig("tenantd Admin API", "1.0.0")
			adminConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			adminAPI := humachi.New(r, adminConfig)
			registerAdminRoutes(adminAPI, deps)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.ResolveTenant(deps.Store.Tenants()))
			r.Use(middleware.RequireTenant())
			r.Use(middleware.RateLimit(ctx, cfg.Server.RateLimitBurst))
			r.Use(middleware.EnforceQuota(deps.Quotas, domain.QuotaAPICalls, 1))
			r.Use(middleware.MeterUsage(deps.Quotas, domain.QuotaAPICalls))

			tenantConfig := huma.DefaultConfig("tenantd Tenant API", "1.0.0")
			tenantConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			// Both APIs share the /api/v1 prefix.
			tenantConfig.OpenAPIPath = "/tenant/openapi"
			tenantConfig.DocsPath = "/tenant/docs"
			tenantConfig.SchemasPath = "/tenant/schemas"
			tenantAPI := humachi.New(r, tenantConfig)
			registerTenantScopedRoutes(tenantAPI, deps)
		})
	})

	// Health check (unauthenticated).
	router.Get("/healthz", s.healthz)

	if deps.Gatherer != nil {
		registerMetricsRoute(router, deps.Gatherer)
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthBody struct {
	Status string     `json:"status"`
	Failed string     `json:"failed,omitempty"`
	Pool   *poolStats `json:"pool,omitempty"`
}

type poolStats struct {
	Checkouts     int64 `json:"checkouts"`
	Releases      int64 `json:"releases"`
	Destroyed     int64 `json:"destroyed"`
	TenantPools   int   `json:"tenant_pools"`
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := healthBody{Status: "ok"}
	for _, hc := range s.health {
		if err := hc.Check(ctx); err != nil {
			log.Warn().Err(err).Str("check", hc.Name).Msg("server.healthz: check failed")
			status = http.StatusServiceUnavailable
			body = healthBody{Status: "unavailable", Failed: hc.Name}
			break
		}
	}
	if s.poolStats != nil {
		st := s.poolStats()
		body.Pool = &poolStats{
			Checkouts:     st.Checkouts,
			Releases:      st.Releases,
			Destroyed:     st.Destroyed,
			TenantPools:   st.TenantPools,
			TotalConns:    st.Primary.TotalConns,
			IdleConns:     st.Primary.IdleConns,
			AcquiredConns: st.Primary.AcquiredConns,
			MaxConns:      st.Primary.MaxConns,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("server.healthz: write response")
	}
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("request_id", chimw.GetReqID(r.Context())).
		Msg("server: request")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
