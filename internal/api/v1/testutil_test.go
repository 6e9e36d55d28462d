package v1_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/quota"
	"github.com/gosuda/tenantd/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

func tenantCtx(tn *domain.Tenant) context.Context {
	return middleware.WithTenant(context.Background(), tn)
}

// ---------------------------------------------------------------------------
// Tenant fixtures
// ---------------------------------------------------------------------------

func newTenant(t *testing.T, slug string, tier domain.TenantTier) *domain.Tenant {
	t.Helper()

	tn, err := domain.NewTenantFactory().Create(domain.CreateTenantParams{
		Name: slug,
		Slug: slug,
		Tier: tier,
	})
	require.NoError(t, err)
	return tn
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	tenants domain.TenantRepository
}

func (m *mockDataStore) Tenants() domain.TenantRepository { return m.tenants }

// ---------------------------------------------------------------------------
// Mock TenantRepository
// ---------------------------------------------------------------------------

type mockTenantRepo struct {
	findByIDFunc           func(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	findBySlugFunc         func(ctx context.Context, slug string) (*domain.Tenant, error)
	findByCustomDomainFunc func(ctx context.Context, host string) (*domain.Tenant, error)
	saveFunc               func(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error)
	listFunc               func(ctx context.Context, limit, offset int) ([]*domain.Tenant, error)
}

func (m *mockTenantRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return m.findByIDFunc(ctx, id)
}

func (m *mockTenantRepo) FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	return m.findBySlugFunc(ctx, slug)
}

func (m *mockTenantRepo) FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	return m.findByCustomDomainFunc(ctx, host)
}

func (m *mockTenantRepo) Save(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	return m.saveFunc(ctx, t)
}

func (m *mockTenantRepo) List(ctx context.Context, limit, offset int) ([]*domain.Tenant, error) {
	return m.listFunc(ctx, limit, offset)
}

// storedTenants returns a repo serving the given tenants by id and recording
// every save.
func storedTenants(tenants ...*domain.Tenant) (*mockTenantRepo, *[]*domain.Tenant) {
	var (
		mu    sync.Mutex
		saved []*domain.Tenant
	)
	byID := make(map[uuid.UUID]*domain.Tenant, len(tenants))
	for _, tn := range tenants {
		byID[tn.ID()] = tn
	}

	repo := &mockTenantRepo{
		findByIDFunc: func(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
			tn, ok := byID[id]
			if !ok {
				return nil, domain.ErrNotFound
			}
			return tn, nil
		},
		saveFunc: func(_ context.Context, tn *domain.Tenant) (*domain.Tenant, error) {
			mu.Lock()
			defer mu.Unlock()
			saved = append(saved, tn)
			return tn, nil
		},
	}
	return repo, &saved
}

// ---------------------------------------------------------------------------
// Mock QuotaService
// ---------------------------------------------------------------------------

type mockQuotaService struct {
	checkQuotaFunc     func(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (quota.Decision, error)
	incrementUsageFunc func(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error)
	releaseUsageFunc   func(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error)
	getUsageFunc       func(ctx context.Context, tenantID uuid.UUID) (map[domain.QuotaType]domain.UsageRecord, error)
}

func (m *mockQuotaService) CheckQuota(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (quota.Decision, error) {
	return m.checkQuotaFunc(ctx, tenantID, qt, amount)
}

func (m *mockQuotaService) IncrementUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error) {
	return m.incrementUsageFunc(ctx, tenantID, qt, amount)
}

func (m *mockQuotaService) ReleaseUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error) {
	return m.releaseUsageFunc(ctx, tenantID, qt, amount)
}

func (m *mockQuotaService) GetUsage(ctx context.Context, tenantID uuid.UUID) (map[domain.QuotaType]domain.UsageRecord, error) {
	return m.getUsageFunc(ctx, tenantID)
}
