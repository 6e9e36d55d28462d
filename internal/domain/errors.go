package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound         = errors.New("domain: not found")
	ErrConflict         = errors.New("domain: conflict")
	ErrTenantDeleted    = errors.New("domain: tenant deleted")
	ErrInvalidTenant    = errors.New("domain: invalid tenant")
	ErrInvalidSlug      = errors.New("domain: invalid slug")
	ErrUnknownQuotaType = errors.New("domain: unknown quota type")
	ErrInvalidAmount    = errors.New("domain: invalid amount")
	ErrQuotaExceeded    = errors.New("domain: quota exceeded")
)

// QuotaExceededError reports a denied quota request with the numbers behind
// the decision. It matches ErrQuotaExceeded under errors.Is.
type QuotaExceededError struct {
	TenantID  uuid.UUID
	QuotaType QuotaType
	Requested int64
	Current   int64
	Limit     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("domain: quota exceeded: tenant %s %s: current %d + requested %d > limit %d",
		e.TenantID, e.QuotaType, e.Current, e.Requested, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
