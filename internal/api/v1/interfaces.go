package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/quota"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store satisfies this interface.
type DataStore interface {
	Tenants() domain.TenantRepository
}

// QuotaService abstracts quota decisions and usage counters for handler
// testing. *quota.Service satisfies this interface.
type QuotaService interface {
	CheckQuota(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (quota.Decision, error)
	IncrementUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error)
	ReleaseUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error)
	GetUsage(ctx context.Context, tenantID uuid.UUID) (map[domain.QuotaType]domain.UsageRecord, error)
}
