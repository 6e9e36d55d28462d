package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantd/internal/domain"
)

func TestQuotaType_Period(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 12, 31, 23, 59, 42, 0, time.UTC)

	tests := []struct {
		qt      domain.QuotaType
		key     string
		expires time.Time
	}{
		{domain.QuotaMonthlyReconciliations, "2026-12", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{domain.QuotaAPICalls, "2026-12", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{domain.QuotaRateLimit, "2026-12-31T23:59", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{domain.QuotaStorage, "", time.Time{}},
		{domain.QuotaConcurrentJobs, "", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(string(tt.qt), func(t *testing.T) {
			t.Parallel()

			key, expires := tt.qt.Period(now)
			assert.Equal(t, tt.key, key)
			assert.True(t, tt.expires.Equal(expires), "expires %s, want %s", expires, tt.expires)
		})
	}
}

func TestQuotaType_Period_NormalisesToUTC(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*60*60)
	// 2026-11-01 08:00 JST is still October in UTC.
	now := time.Date(2026, 11, 1, 8, 0, 0, 0, tokyo)

	key, _ := domain.QuotaAPICalls.Period(now)
	assert.Equal(t, "2026-10", key)
}

func TestQuotaType_Classification(t *testing.T) {
	t.Parallel()

	for _, qt := range domain.QuotaTypes {
		assert.True(t, qt.Valid(), qt)
	}
	assert.False(t, domain.QuotaType("bandwidth").Valid())

	assert.True(t, domain.QuotaStorage.IsGauge())
	assert.True(t, domain.QuotaConcurrentJobs.IsGauge())
	assert.False(t, domain.QuotaMonthlyReconciliations.IsGauge())
	assert.False(t, domain.QuotaRateLimit.IsGauge())
	assert.False(t, domain.QuotaAPICalls.IsGauge())
}

func TestQuotas_Limit(t *testing.T) {
	t.Parallel()

	q := domain.TierQuotas[domain.TierGrowth]

	tests := []struct {
		qt   domain.QuotaType
		want int64
	}{
		{domain.QuotaStorage, 10 * domain.GiB},
		{domain.QuotaConcurrentJobs, 20},
		{domain.QuotaMonthlyReconciliations, 100_000},
		{domain.QuotaRateLimit, 1_000},
		{domain.QuotaAPICalls, 1_000_000},
	}
	for _, tt := range tests {
		got, err := q.Limit(tt.qt)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.qt)
	}

	_, err := q.Limit("bandwidth")
	assert.ErrorIs(t, err, domain.ErrUnknownQuotaType)
}

func TestTierQuotas(t *testing.T) {
	t.Parallel()

	t.Run("every tier has an entry", func(t *testing.T) {
		t.Parallel()

		for _, tier := range []domain.TenantTier{
			domain.TierFree, domain.TierStarter, domain.TierGrowth, domain.TierScale, domain.TierEnterprise,
		} {
			_, ok := domain.TierQuotas[tier]
			assert.True(t, ok, tier)
		}
	})

	t.Run("enterprise is unlimited everywhere", func(t *testing.T) {
		t.Parallel()

		q := domain.TierQuotas[domain.TierEnterprise]
		for _, qt := range domain.QuotaTypes {
			limit, err := q.Limit(qt)
			require.NoError(t, err)
			assert.Equal(t, domain.Unlimited, limit, qt)
		}
		assert.Equal(t, domain.Unlimited, q.CustomDomains)
	})

	t.Run("unknown tier falls back to free", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, domain.TierQuotas[domain.TierFree], domain.DefaultQuotas("platinum"))
	})
}

func TestQuotaOverrides_Apply(t *testing.T) {
	t.Parallel()

	base := domain.TierQuotas[domain.TierStarter]
	unlimited := domain.Unlimited
	rpm := int64(42)

	got := domain.QuotaOverrides{RateLimitRPM: &rpm, MonthlyAPICalls: &unlimited}.Apply(base)

	assert.EqualValues(t, 42, got.RateLimitRPM)
	assert.Equal(t, domain.Unlimited, got.MonthlyAPICalls)
	assert.Equal(t, base.StorageBytes, got.StorageBytes)
	assert.Equal(t, base.ConcurrentJobs, got.ConcurrentJobs)
	assert.Equal(t, base.MonthlyReconciliations, got.MonthlyReconciliations)
	assert.Equal(t, base.CustomDomains, got.CustomDomains)

	assert.Equal(t, base, domain.QuotaOverrides{}.Apply(base))
}

func TestUsageRecord_Unlimited(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.UsageRecord{Limit: domain.Unlimited}.Unlimited())
	assert.False(t, domain.UsageRecord{Limit: 0}.Unlimited())
}
