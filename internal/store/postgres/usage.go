package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/tenancy"
)

// UsageRepo keeps usage counters in tenant_usage. Every statement runs
// through the tenancy pool, so the RLS policy on tenant_usage applies.
type UsageRepo struct {
	pool *tenancy.ConnectionPool
}

func NewUsageRepo(pool *tenancy.ConnectionPool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

// Increment adds amount in a single upsert. Results below zero are floored.
func (r *UsageRepo) Increment(ctx context.Context, key domain.UsageKey, amount int64) (int64, error) {
	var expiresAt *time.Time
	if !key.ExpiresAt.IsZero() {
		expiresAt = &key.ExpiresAt
	}

	var current int64
	err := r.pool.Transaction(ctx, key.TenantID, func(ctx context.Context, tx tenancy.Conn) error {
		return tx.QueryRow(ctx,
			`INSERT INTO tenant_usage (tenant_id, quota_type, period, current, expires_at, updated_at)
			 VALUES ($1, $2, $3, GREATEST($4::bigint, 0), $5, now())
			 ON CONFLICT (tenant_id, quota_type, period) DO UPDATE SET
				current = GREATEST(tenant_usage.current + $4::bigint, 0),
				updated_at = now()
			 RETURNING current`,
			key.TenantID, string(key.QuotaType), key.Period, amount, expiresAt,
		).Scan(&current)
	})
	if err != nil {
		return 0, fmt.Errorf("usageRepo.Increment: %w", err)
	}

	return current, nil
}

func (r *UsageRepo) Current(ctx context.Context, key domain.UsageKey) (int64, error) {
	var current int64
	scan := func(row pgx.Row) error {
		return row.Scan(&current)
	}

	err := r.pool.QueryRow(ctx, key.TenantID, scan,
		`SELECT current FROM tenant_usage
		 WHERE tenant_id = $1 AND quota_type = $2 AND period = $3`,
		key.TenantID, string(key.QuotaType), key.Period,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("usageRepo.Current: %w", err)
	}

	return current, nil
}
