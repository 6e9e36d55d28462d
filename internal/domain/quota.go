package domain

import (
	"time"

	"github.com/google/uuid"
)

// Unlimited marks a quota field without an upper bound.
const Unlimited int64 = -1

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
)

type QuotaType string

const (
	QuotaStorage                QuotaType = "storage"
	QuotaConcurrentJobs         QuotaType = "concurrent_jobs"
	QuotaMonthlyReconciliations QuotaType = "monthly_reconciliations"
	QuotaRateLimit              QuotaType = "rate_limit"
	QuotaAPICalls               QuotaType = "api_calls"

	// QuotaCustomDomains is not metered. It is checked when a custom domain
	// is attached.
	QuotaCustomDomains QuotaType = "custom_domains"
)

// QuotaTypes lists every metered quota type in display order.
var QuotaTypes = []QuotaType{
	QuotaStorage,
	QuotaConcurrentJobs,
	QuotaMonthlyReconciliations,
	QuotaRateLimit,
	QuotaAPICalls,
}

func (q QuotaType) Valid() bool {
	switch q {
	case QuotaStorage, QuotaConcurrentJobs, QuotaMonthlyReconciliations, QuotaRateLimit, QuotaAPICalls:
		return true
	default:
		return false
	}
}

// IsGauge reports whether the counter is a live point-in-time value that may
// go down again (storage held, jobs running) rather than a per-period total.
func (q QuotaType) IsGauge() bool {
	return q == QuotaStorage || q == QuotaConcurrentJobs
}

// Period returns the counter period key active at now and the instant the
// period ends. Gauges have no period: the key is empty and the expiry zero.
func (q QuotaType) Period(now time.Time) (string, time.Time) {
	now = now.UTC()
	switch q {
	case QuotaMonthlyReconciliations, QuotaAPICalls:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01"), start.AddDate(0, 1, 0)
	case QuotaRateLimit:
		start := now.Truncate(time.Minute)
		return start.Format("2006-01-02T15:04"), start.Add(time.Minute)
	default:
		return "", time.Time{}
	}
}

// Quotas holds the numeric limits of a tenant. Unlimited (-1) disables a limit.
type Quotas struct {
	RateLimitRPM           int64 `json:"rate_limit_rpm"`
	StorageBytes           int64 `json:"storage_bytes"`
	ConcurrentJobs         int64 `json:"concurrent_jobs"`
	MonthlyReconciliations int64 `json:"monthly_reconciliations"`
	CustomDomains          int64 `json:"custom_domains"`
	MonthlyAPICalls        int64 `json:"monthly_api_calls"`
}

// Limit returns the limit backing a quota type.
func (q Quotas) Limit(qt QuotaType) (int64, error) {
	switch qt {
	case QuotaStorage:
		return q.StorageBytes, nil
	case QuotaConcurrentJobs:
		return q.ConcurrentJobs, nil
	case QuotaMonthlyReconciliations:
		return q.MonthlyReconciliations, nil
	case QuotaRateLimit:
		return q.RateLimitRPM, nil
	case QuotaAPICalls:
		return q.MonthlyAPICalls, nil
	default:
		return 0, ErrUnknownQuotaType
	}
}

// QuotaOverrides is a partial Quotas. Nil fields keep the current value.
type QuotaOverrides struct {
	RateLimitRPM           *int64 `json:"rate_limit_rpm,omitempty"`
	StorageBytes           *int64 `json:"storage_bytes,omitempty"`
	ConcurrentJobs         *int64 `json:"concurrent_jobs,omitempty"`
	MonthlyReconciliations *int64 `json:"monthly_reconciliations,omitempty"`
	CustomDomains          *int64 `json:"custom_domains,omitempty"`
	MonthlyAPICalls        *int64 `json:"monthly_api_calls,omitempty"`
}

// Apply returns q with every non-nil override applied.
func (o QuotaOverrides) Apply(q Quotas) Quotas {
	if o.RateLimitRPM != nil {
		q.RateLimitRPM = *o.RateLimitRPM
	}
	if o.StorageBytes != nil {
		q.StorageBytes = *o.StorageBytes
	}
	if o.ConcurrentJobs != nil {
		q.ConcurrentJobs = *o.ConcurrentJobs
	}
	if o.MonthlyReconciliations != nil {
		q.MonthlyReconciliations = *o.MonthlyReconciliations
	}
	if o.CustomDomains != nil {
		q.CustomDomains = *o.CustomDomains
	}
	if o.MonthlyAPICalls != nil {
		q.MonthlyAPICalls = *o.MonthlyAPICalls
	}
	return q
}

// TierQuotas maps each tier to its default limits.
var TierQuotas = map[TenantTier]Quotas{
	TierFree: {
		RateLimitRPM:           60,
		StorageBytes:           100 * MiB,
		ConcurrentJobs:         1,
		MonthlyReconciliations: 1_000,
		CustomDomains:          0,
		MonthlyAPICalls:        10_000,
	},
	TierStarter: {
		RateLimitRPM:           300,
		StorageBytes:           1 * GiB,
		ConcurrentJobs:         5,
		MonthlyReconciliations: 10_000,
		CustomDomains:          1,
		MonthlyAPICalls:        100_000,
	},
	TierGrowth: {
		RateLimitRPM:           1_000,
		StorageBytes:           10 * GiB,
		ConcurrentJobs:         20,
		MonthlyReconciliations: 100_000,
		CustomDomains:          3,
		MonthlyAPICalls:        1_000_000,
	},
	TierScale: {
		RateLimitRPM:           5_000,
		StorageBytes:           100 * GiB,
		ConcurrentJobs:         50,
		MonthlyReconciliations: 1_000_000,
		CustomDomains:          10,
		MonthlyAPICalls:        10_000_000,
	},
	TierEnterprise: {
		RateLimitRPM:           Unlimited,
		StorageBytes:           Unlimited,
		ConcurrentJobs:         Unlimited,
		MonthlyReconciliations: Unlimited,
		CustomDomains:          Unlimited,
		MonthlyAPICalls:        Unlimited,
	},
}

// DefaultQuotas returns the tier defaults, falling back to the free tier for
// unknown tiers.
func DefaultQuotas(tier TenantTier) Quotas {
	if q, ok := TierQuotas[tier]; ok {
		return q
	}
	return TierQuotas[TierFree]
}

// UsageRecord is a point-in-time view of one counter against its limit.
type UsageRecord struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	QuotaType QuotaType `json:"quota_type"`
	Period    string    `json:"period,omitempty"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
}

// Unlimited reports whether the record has no upper bound.
func (u UsageRecord) Unlimited() bool {
	return u.Limit == Unlimited
}
