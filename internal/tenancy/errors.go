package tenancy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrContextApplication matches every *ContextApplicationError.
	ErrContextApplication = errors.New("tenancy: tenant context not applied")
	ErrPoolExhausted      = errors.New("tenancy: connection pool exhausted")
	ErrPoolClosed         = errors.New("tenancy: pool closed")
)

// Context operations reported by ContextApplicationError.
const (
	OpSet   = "set"
	OpClear = "clear"
)

// ContextApplicationError reports that the tenant session variable could not
// be set or cleared. The connection it happened on must not run further
// statements.
type ContextApplicationError struct {
	Op       string
	TenantID uuid.UUID
	Err      error
}

func (e *ContextApplicationError) Error() string {
	if e.TenantID == uuid.Nil {
		return fmt.Sprintf("tenancy: %s tenant context: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tenancy: %s tenant context %s: %v", e.Op, e.TenantID, e.Err)
}

func (e *ContextApplicationError) Unwrap() error {
	return e.Err
}

func (e *ContextApplicationError) Is(target error) bool {
	return target == ErrContextApplication
}
