package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Checkout results.
const (
	ResultOK        = "ok"
	ResultExhausted = "exhausted"
	ResultError     = "error"
)

// Quota decision results.
const (
	DecisionAllowed   = "allowed"
	DecisionDenied    = "denied"
	DecisionUnlimited = "unlimited"
)

// Metrics holds the Prometheus collectors for tenant isolation and quotas.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PoolCheckoutsTotal         *prometheus.CounterVec
	PoolDestroyedConnections   prometheus.Counter
	TenantContextFailuresTotal *prometheus.CounterVec
	TenantPoolsCached          prometheus.Gauge
	QuotaDecisionsTotal        *prometheus.CounterVec
	UsageIncrementsTotal       *prometheus.CounterVec
}

// New creates and registers every collector on registry.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolCheckoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_pool_checkouts_total",
				Help: "Total number of tenant connection checkouts",
			},
			[]string{"result"},
		),
		PoolDestroyedConnections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantd_pool_destroyed_connections_total",
				Help: "Connections closed instead of returned because their tenant context could not be confirmed",
			},
		),
		TenantContextFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_tenant_context_failures_total",
				Help: "Total number of failed tenant context set or clear operations",
			},
			[]string{"op"},
		),
		TenantPoolsCached: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantd_tenant_pools_cached",
				Help: "Number of dedicated per-tenant pools currently open",
			},
		),
		QuotaDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_quota_decisions_total",
				Help: "Total number of quota decisions",
			},
			[]string{"quota_type", "result"},
		),
		UsageIncrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_usage_increments_total",
				Help: "Total number of usage counter increments",
			},
			[]string{"quota_type"},
		),
	}

	registry.MustRegister(
		m.PoolCheckoutsTotal,
		m.PoolDestroyedConnections,
		m.TenantContextFailuresTotal,
		m.TenantPoolsCached,
		m.QuotaDecisionsTotal,
		m.UsageIncrementsTotal,
	)

	return m
}

func (m *Metrics) Checkout(result string) {
	if m == nil {
		return
	}
	m.PoolCheckoutsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionDestroyed() {
	if m == nil {
		return
	}
	m.PoolDestroyedConnections.Inc()
}

// ContextFailure records a failed set or clear of the tenant context.
func (m *Metrics) ContextFailure(op string) {
	if m == nil {
		return
	}
	m.TenantContextFailuresTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) SetTenantPools(n int) {
	if m == nil {
		return
	}
	m.TenantPoolsCached.Set(float64(n))
}

func (m *Metrics) QuotaDecision(quotaType, result string) {
	if m == nil {
		return
	}
	m.QuotaDecisionsTotal.WithLabelValues(quotaType, result).Inc()
}

func (m *Metrics) UsageIncrement(quotaType string) {
	if m == nil {
		return
	}
	m.UsageIncrementsTotal.WithLabelValues(quotaType).Inc()
}
