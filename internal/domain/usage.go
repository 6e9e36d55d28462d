package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageKey addresses one usage counter. Period is empty for gauges and
// ExpiresAt is zero when the counter never expires.
type UsageKey struct {
	TenantID  uuid.UUID
	QuotaType QuotaType
	Period    string
	ExpiresAt time.Time
}

// NewUsageKey returns the key of the counter active at now.
func NewUsageKey(tenantID uuid.UUID, qt QuotaType, now time.Time) UsageKey {
	period, expires := qt.Period(now)
	return UsageKey{
		TenantID:  tenantID,
		QuotaType: qt,
		Period:    period,
		ExpiresAt: expires,
	}
}

// UsageStore keeps usage counters. Increment must be a single atomic
// operation in the backing store and must never take a counter below zero.
type UsageStore interface {
	Increment(ctx context.Context, key UsageKey, amount int64) (int64, error)
	Current(ctx context.Context, key UsageKey) (int64, error)
}
