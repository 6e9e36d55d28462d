// Package quota decides whether a tenant may consume more of a metered
// resource and keeps the usage counters behind those decisions.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/metrics"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Current   int64
	Limit     int64
	Requested int64
	Unlimited bool
}

type Service struct {
	tenants domain.TenantRepository
	usage   domain.UsageStore
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Service)

// WithClock overrides the clock used to pick the active counter period.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(tenants domain.TenantRepository, usage domain.UsageStore, opts ...Option) *Service {
	s := &Service{
		tenants: tenants,
		usage:   usage,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckQuota reports whether amount more of qt fits within the tenant's
// limit. Denial is not an error; a missing or deleted tenant is. Negative
// amounts count as zero.
func (s *Service) CheckQuota(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (Decision, error) {
	if !qt.Valid() {
		return Decision{}, fmt.Errorf("quota.CheckQuota: %w: %q", domain.ErrUnknownQuotaType, qt)
	}

	t, err := s.liveTenant(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota.CheckQuota: %w", err)
	}

	if amount < 0 {
		amount = 0
	}
	d := Decision{Requested: amount}

	limit, err := s.limitFor(t, qt)
	if err != nil {
		return Decision{}, fmt.Errorf("quota.CheckQuota: %w", err)
	}
	if limit == domain.Unlimited {
		d.Allowed = true
		d.Unlimited = true
		d.Limit = domain.Unlimited
		s.metrics.QuotaDecision(string(qt), metrics.DecisionUnlimited)
		return d, nil
	}

	current, err := s.usage.Current(ctx, domain.NewUsageKey(tenantID, qt, s.now()))
	if err != nil {
		return Decision{}, fmt.Errorf("quota.CheckQuota: %w", err)
	}

	d.Current = current
	d.Limit = limit
	// current+amount can overflow; limit-current cannot since both are >= 0.
	d.Allowed = amount <= limit-current

	if d.Allowed {
		s.metrics.QuotaDecision(string(qt), metrics.DecisionAllowed)
	} else {
		s.metrics.QuotaDecision(string(qt), metrics.DecisionDenied)
		log.Debug().
			Str("tenant_id", tenantID.String()).
			Str("quota_type", string(qt)).
			Int64("current", current).
			Int64("requested", amount).
			Int64("limit", limit).
			Msg("quota.CheckQuota: denied")
	}

	return d, nil
}

// EnforceQuota is CheckQuota that turns a denial into a
// *domain.QuotaExceededError.
func (s *Service) EnforceQuota(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) error {
	d, err := s.CheckQuota(ctx, tenantID, qt, amount)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &domain.QuotaExceededError{
			TenantID:  tenantID,
			QuotaType: qt,
			Requested: d.Requested,
			Current:   d.Current,
			Limit:     d.Limit,
		}
	}
	return nil
}

// IncrementUsage adds amount to the active counter of qt and returns the new
// value. Cumulative counters only go up; gauges may be lowered with a
// negative amount or ReleaseUsage.
func (s *Service) IncrementUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error) {
	if !qt.Valid() {
		return 0, fmt.Errorf("quota.IncrementUsage: %w: %q", domain.ErrUnknownQuotaType, qt)
	}
	if amount < 0 && !qt.IsGauge() {
		return 0, fmt.Errorf("quota.IncrementUsage: %w: %s cannot decrease", domain.ErrInvalidAmount, qt)
	}

	if _, err := s.liveTenant(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("quota.IncrementUsage: %w", err)
	}

	current, err := s.usage.Increment(ctx, domain.NewUsageKey(tenantID, qt, s.now()), amount)
	if err != nil {
		return 0, fmt.Errorf("quota.IncrementUsage: %w", err)
	}
	s.metrics.UsageIncrement(string(qt))

	return current, nil
}

// ReleaseUsage lowers a gauge such as storage held or jobs running. The
// counter never goes below zero. Deleted tenants may still release.
func (s *Service) ReleaseUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error) {
	if !qt.IsGauge() {
		return 0, fmt.Errorf("quota.ReleaseUsage: %w: %q is not a point-in-time quota", domain.ErrInvalidAmount, qt)
	}
	if amount < 0 {
		return 0, fmt.Errorf("quota.ReleaseUsage: %w: negative amount", domain.ErrInvalidAmount)
	}

	if _, err := s.tenants.FindByID(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("quota.ReleaseUsage: %w", err)
	}

	current, err := s.usage.Increment(ctx, domain.NewUsageKey(tenantID, qt, s.now()), -amount)
	if err != nil {
		return 0, fmt.Errorf("quota.ReleaseUsage: %w", err)
	}

	return current, nil
}

// GetUsage snapshots every quota type for the tenant.
func (s *Service) GetUsage(ctx context.Context, tenantID uuid.UUID) (map[domain.QuotaType]domain.UsageRecord, error) {
	t, err := s.liveTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota.GetUsage: %w", err)
	}

	now := s.now()
	out := make(map[domain.QuotaType]domain.UsageRecord, len(domain.QuotaTypes))
	for _, qt := range domain.QuotaTypes {
		limit, err := s.limitFor(t, qt)
		if err != nil {
			return nil, fmt.Errorf("quota.GetUsage: %w", err)
		}

		key := domain.NewUsageKey(tenantID, qt, now)
		current, err := s.usage.Current(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("quota.GetUsage: %s: %w", qt, err)
		}

		out[qt] = domain.UsageRecord{
			TenantID:  tenantID,
			QuotaType: qt,
			Period:    key.Period,
			Current:   current,
			Limit:     limit,
		}
	}

	return out, nil
}

// Limit returns the effective limit of qt for the tenant, domain.Unlimited
// when there is none.
func (s *Service) Limit(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType) (int64, error) {
	t, err := s.liveTenant(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("quota.Limit: %w", err)
	}

	limit, err := s.limitFor(t, qt)
	if err != nil {
		return 0, fmt.Errorf("quota.Limit: %w", err)
	}

	return limit, nil
}

func (s *Service) liveTenant(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	t, err := s.tenants.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Live(); err != nil {
		return nil, err
	}
	return t, nil
}

// limitFor applies the enterprise bypass on top of the stored quotas.
func (s *Service) limitFor(t *domain.Tenant, qt domain.QuotaType) (int64, error) {
	if t.IsEnterprise() {
		return domain.Unlimited, nil
	}
	return t.Quotas().Limit(qt)
}
