package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantd/internal/config"
	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/metrics"
	"github.com/gosuda/tenantd/internal/quota"
	"github.com/gosuda/tenantd/internal/server"
	"github.com/gosuda/tenantd/internal/server/middleware"
	redisstore "github.com/gosuda/tenantd/internal/store/redis"
	"github.com/gosuda/tenantd/internal/tenancy"
)

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memTenants struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*domain.Tenant
}

func (m *memTenants) FindByID(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (m *memTenants) FindBySlug(_ context.Context, slug string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Slug() == slug {
			return t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTenants) FindByCustomDomain(_ context.Context, host string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.Config().CustomDomain == host {
			return t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memTenants) Save(_ context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID()] = t
	return t, nil
}

func (m *memTenants) List(_ context.Context, _, _ int) ([]*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	return out, nil
}

type memStore struct {
	tenants *memTenants
}

func (s *memStore) Tenants() domain.TenantRepository { return s.tenants }

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	tenants *memTenants
	handler http.Handler
}

func setup(t *testing.T, health ...server.HealthCheck) *fixture {
	t.Helper()
	return setupWith(t, func(d *server.Deps) { d.Health = health })
}

func setupWith(t *testing.T, configure func(*server.Deps)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	usage, err := redisstore.New(t.Context(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = usage.Close() })

	registry := prometheus.NewRegistry()
	tenants := &memTenants{tenants: make(map[uuid.UUID]*domain.Tenant)}
	svc := quota.NewService(tenants, usage, quota.WithMetrics(metrics.New(registry)))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			CORSOrigins:    []string{"http://localhost:5173"},
			RateLimitBurst: 20,
		},
	}
	deps := server.Deps{
		Store:    &memStore{tenants: tenants},
		Quotas:   svc,
		Gatherer: registry,
	}
	configure(&deps)
	srv := server.New(t.Context(), cfg, deps)

	return &fixture{tenants: tenants, handler: srv.Handler()}
}

func (f *fixture) tenant(t *testing.T, slug string, overrides domain.QuotaOverrides) *domain.Tenant {
	t.Helper()

	tn, err := domain.NewTenantFactory().Create(domain.CreateTenantParams{
		Name:           slug,
		Slug:           slug,
		Tier:           domain.TierStarter,
		QuotaOverrides: overrides,
	})
	require.NoError(t, err)
	_, err = f.tenants.Save(context.Background(), tn)
	require.NoError(t, err)
	return tn
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Health and metrics
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		f := setup(t, server.HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }})
		rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("failing_check", func(t *testing.T) {
		t.Parallel()

		f := setup(t,
			server.HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
			server.HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
		)
		rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"unavailable","failed":"redis"}`, rec.Body.String())
	})
}

// idlePool never hands out connections and reports a fixed size.
type idlePool struct{}

func (idlePool) Acquire(context.Context) (tenancy.PooledConn, error) {
	return nil, errors.New("idle pool")
}

func (idlePool) Stat() tenancy.PoolStat {
	return tenancy.PoolStat{TotalConns: 4, IdleConns: 3, AcquiredConns: 1, MaxConns: 10}
}

func (idlePool) Close() {}

func TestHealthz_ReportsPoolStats(t *testing.T) {
	t.Parallel()

	pool := tenancy.NewConnectionPool(idlePool{}, tenancy.Options{})
	t.Cleanup(pool.Close)

	f := setupWith(t, func(d *server.Deps) { d.PoolStats = pool.Stats })
	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "ok",
		"pool": {
			"checkouts": 0,
			"releases": 0,
			"destroyed": 0,
			"tenant_pools": 0,
			"total_conns": 4,
			"idle_conns": 3,
			"acquired_conns": 1,
			"max_conns": 10
		}
	}`, rec.Body.String())
}

func TestHealthz_TenancyCheckFailure(t *testing.T) {
	t.Parallel()

	pool := tenancy.NewConnectionPool(idlePool{}, tenancy.Options{})
	t.Cleanup(pool.Close)

	f := setupWith(t, func(d *server.Deps) {
		d.Health = []server.HealthCheck{{Name: "tenancy", Check: pool.Ping}}
		d.PoolStats = pool.Stats
	})
	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string         `json:"status"`
		Failed string         `json:"failed"`
		Pool   map[string]any `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "tenancy", body.Failed)
	assert.NotNil(t, body.Pool)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := setup(t)
	tn := f.tenant(t, "scraped", domain.QuotaOverrides{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant", nil)
	req.Header.Set(middleware.HeaderTenantID, tn.ID().String())
	require.Equal(t, http.StatusOK, f.do(req).Code)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tenantd_quota_decisions_total{quota_type="api_calls",result="allowed"} 1`)
	assert.Contains(t, rec.Body.String(), `tenantd_usage_increments_total{quota_type="api_calls"} 1`)
}

// ---------------------------------------------------------------------------
// Tenant-scoped API
// ---------------------------------------------------------------------------

func TestTenantAPI_ResolvesBySubdomain(t *testing.T) {
	t.Parallel()

	f := setup(t)
	tn := f.tenant(t, "acme", domain.QuotaOverrides{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant", nil)
	req.Host = "acme.recon.example.com"
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		ID   uuid.UUID `json:"id"`
		Slug string    `json:"slug"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, tn.ID(), body.ID)
	assert.Equal(t, "acme", body.Slug)
}

func TestTenantAPI_UnknownTenant(t *testing.T) {
	t.Parallel()

	f := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant", nil)
	req.Header.Set(middleware.HeaderTenantID, uuid.NewString())
	rec := f.do(req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantAPI_MonthlyAPICallQuota(t *testing.T) {
	t.Parallel()

	f := setup(t)
	tn := f.tenant(t, "metered", domain.QuotaOverrides{MonthlyAPICalls: ptr(int64(2))})

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant/usage", nil)
		req.Header.Set(middleware.HeaderTenantID, tn.ID().String())
		return f.do(req)
	}

	require.Equal(t, http.StatusOK, call().Code)

	rec := call()
	require.Equal(t, http.StatusOK, rec.Code)
	// The usage snapshot is taken before the request itself is metered.
	assert.Contains(t, rec.Body.String(), `"quota_type":"api_calls"`)
	assert.Contains(t, rec.Body.String(), `"current":1`)

	rec = call()
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "api_calls", problem["quota_type"])
	assert.InDelta(t, 2, problem["current"], 0)
	assert.InDelta(t, 2, problem["limit"], 0)
}

// ---------------------------------------------------------------------------
// Admin API
// ---------------------------------------------------------------------------

func TestAdminAPI_CreateThenCheckQuota(t *testing.T) {
	t.Parallel()

	f := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants",
		strings.NewReader(`{"name":"Globex","slug":"globex","tier":"starter"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tenants/"+created.ID.String()+"/quota-checks",
		strings.NewReader(`{"quota_type":"concurrent_jobs","amount":6}`))
	req.Header.Set("Content-Type", "application/json")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var decision struct {
		Allowed bool  `json:"allowed"`
		Limit   int64 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(5), decision.Limit)
}
