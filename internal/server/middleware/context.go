package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/tenantd/internal/domain"
)

type contextKey string

const (
	ContextKeyTenantID contextKey = "tenant_id"
	ContextKeyTenant   contextKey = "tenant"
)

// WithTenant stores the resolved tenant and its id in ctx.
func WithTenant(ctx context.Context, t *domain.Tenant) context.Context {
	ctx = context.WithValue(ctx, ContextKeyTenantID, t.ID())
	return context.WithValue(ctx, ContextKeyTenant, t)
}

func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyTenantID).(uuid.UUID)
	return v, ok
}

func TenantFromContext(ctx context.Context) (*domain.Tenant, bool) {
	v, ok := ctx.Value(ContextKeyTenant).(*domain.Tenant)
	return v, ok && v != nil
}
