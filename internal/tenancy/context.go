package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SettingKey is the session variable RLS policies read the tenant from.
const SettingKey = "app.current_tenant_id"

const (
	setContextSQL     = `SELECT set_config('app.current_tenant_id', $1, $2)`
	clearContextSQL   = `RESET app.current_tenant_id`
	currentContextSQL = `SELECT current_setting('app.current_tenant_id', true)`
)

var (
	errNilTenant    = errors.New("nil tenant id")
	errStaleContext = errors.New("idle connection carries a tenant context")
)

// SetTenantContext applies tenantID to conn for the current transaction
// only. The value is discarded on COMMIT or ROLLBACK, so conn should be a
// pgx.Tx or a connection inside an explicit BEGIN.
func SetTenantContext(ctx context.Context, conn Conn, tenantID uuid.UUID) error {
	return setContext(ctx, conn, tenantID, true)
}

// SetSessionTenantContext applies tenantID to conn until it is cleared. Bare
// checkouts need it because every statement outside BEGIN runs in its own
// implicit transaction. Callers must pair it with ClearTenantContext.
func SetSessionTenantContext(ctx context.Context, conn Conn, tenantID uuid.UUID) error {
	return setContext(ctx, conn, tenantID, false)
}

func setContext(ctx context.Context, conn Conn, tenantID uuid.UUID, local bool) error {
	if tenantID == uuid.Nil {
		return &ContextApplicationError{Op: OpSet, Err: errNilTenant}
	}

	want := tenantID.String()
	var applied string
	err := conn.QueryRow(ctx, setContextSQL, want, local).Scan(&applied)
	if err != nil {
		return &ContextApplicationError{Op: OpSet, TenantID: tenantID, Err: err}
	}
	if applied != want {
		return &ContextApplicationError{
			Op:       OpSet,
			TenantID: tenantID,
			Err:      fmt.Errorf("setting reads back %q", applied),
		}
	}

	return nil
}

// ClearTenantContext resets the tenant session variable on conn.
func ClearTenantContext(ctx context.Context, conn Conn) error {
	if _, err := conn.Exec(ctx, clearContextSQL); err != nil {
		return &ContextApplicationError{Op: OpClear, Err: err}
	}
	return nil
}

// WithTenantContext applies tenantID to conn for the duration of fn and clears
// it on every exit path, panics included. fn's error is returned joined with
// any clear failure.
func WithTenantContext(ctx context.Context, conn Conn, tenantID uuid.UUID, fn func(ctx context.Context, conn Conn) error) (err error) {
	defer func() {
		if clearErr := ClearTenantContext(context.WithoutCancel(ctx), conn); clearErr != nil {
			err = errors.Join(err, clearErr)
		}
	}()

	if err := SetSessionTenantContext(ctx, conn, tenantID); err != nil {
		return err
	}

	return fn(ctx, conn)
}

// CurrentTenant reads the tenant applied to conn. ok is false when no tenant
// is set.
func CurrentTenant(ctx context.Context, conn Conn) (uuid.UUID, bool, error) {
	var raw *string
	if err := conn.QueryRow(ctx, currentContextSQL).Scan(&raw); err != nil {
		return uuid.Nil, false, fmt.Errorf("tenancy.CurrentTenant: %w", err)
	}
	if raw == nil || *raw == "" {
		return uuid.Nil, false, nil
	}

	id, err := uuid.Parse(*raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("tenancy.CurrentTenant: parse %q: %w", *raw, err)
	}

	return id, true, nil
}
