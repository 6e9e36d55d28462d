package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/gosuda/tenantd/internal/api/v1"
)

func registerAdminRoutes(api huma.API, deps Deps) {
	v1.RegisterTenantRoutes(api, deps.Store)
	v1.RegisterUsageRoutes(api, deps.Quotas)
}

func registerTenantScopedRoutes(api huma.API, deps Deps) {
	v1.RegisterCurrentTenantRoutes(api, deps.Quotas)
}

func registerMetricsRoute(r chi.Router, gatherer prometheus.Gatherer) {
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
