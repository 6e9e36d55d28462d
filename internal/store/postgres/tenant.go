package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tenantd/internal/domain"
)

const tenantColumns = `id, name, slug, parent_tenant_id, tier, status, quotas, config, metadata,
	created_at, updated_at, deleted_at`

const uniqueViolation = "23505"

// TenantRepo reads and writes the tenant registry. The registry is not
// tenant-scoped, so it runs on the shared pool without a tenant context.
type TenantRepo struct {
	pool *pgxpool.Pool
}

func NewTenantRepo(pool *pgxpool.Pool) *TenantRepo {
	return &TenantRepo{pool: pool}
}

// FindByID returns soft-deleted tenants too so callers can tell deleted
// from missing.
func (r *TenantRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	t, err := scanTenant(r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenantRepo.FindByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.FindByID: %w", err)
	}

	return t, nil
}

func (r *TenantRepo) FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	t, err := scanTenant(r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`,
		slug,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenantRepo.FindBySlug: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.FindBySlug: %w", err)
	}

	return t, nil
}

// FindByCustomDomain matches verified custom domains only.
func (r *TenantRepo) FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	t, err := scanTenant(r.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE custom_domain = $1 AND (config->>'custom_domain_verified')::boolean`,
		strings.ToLower(host),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenantRepo.FindByCustomDomain: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.FindByCustomDomain: %w", err)
	}

	return t, nil
}

// Save upserts t keyed by id and returns the stored row. created_at is
// written once.
func (r *TenantRepo) Save(ctx context.Context, t *domain.Tenant) (*domain.Tenant, error) {
	rec := t.Record()

	var customDomain *string
	if rec.Config.CustomDomain != "" {
		customDomain = &rec.Config.CustomDomain
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	saved, err := scanTenant(r.pool.QueryRow(ctx,
		`INSERT INTO tenants (id, name, slug, parent_tenant_id, tier, status, quotas, config, metadata,
			custom_domain, created_at, updated_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			slug = EXCLUDED.slug,
			parent_tenant_id = EXCLUDED.parent_tenant_id,
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			quotas = EXCLUDED.quotas,
			config = EXCLUDED.config,
			metadata = EXCLUDED.metadata,
			custom_domain = EXCLUDED.custom_domain,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
		 RETURNING `+tenantColumns,
		rec.ID, rec.Name, rec.Slug, rec.ParentTenantID, string(rec.Tier), string(rec.Status),
		rec.Quotas, rec.Config, metadata,
		customDomain, rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("tenantRepo.Save: %s: %w", pgErr.ConstraintName, domain.ErrConflict)
		}
		return nil, fmt.Errorf("tenantRepo.Save: %w", err)
	}

	return saved, nil
}

// List pages through live tenants in creation order.
func (r *TenantRepo) List(ctx context.Context, limit, offset int) ([]*domain.Tenant, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE deleted_at IS NULL
		 ORDER BY created_at, id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.List: %w", err)
	}

	tenants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Tenant, error) {
		return scanTenant(row)
	})
	if err != nil {
		return nil, fmt.Errorf("tenantRepo.List: scan: %w", err)
	}

	return tenants, nil
}

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	var (
		rec       domain.TenantRecord
		tier      string
		status    string
		deletedAt *time.Time
	)

	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Slug, &rec.ParentTenantID, &tier, &status,
		&rec.Quotas, &rec.Config, &rec.Metadata,
		&rec.CreatedAt, &rec.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Tier = domain.TenantTier(tier)
	rec.Status = domain.TenantStatus(status)
	rec.DeletedAt = deletedAt

	return domain.TenantFromPersistence(rec), nil
}
