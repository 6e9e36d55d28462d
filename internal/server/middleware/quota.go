package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantd/internal/domain"
)

// QuotaEnforcer is the part of quota.Service the HTTP layer needs.
type QuotaEnforcer interface {
	EnforceQuota(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) error
	IncrementUsage(ctx context.Context, tenantID uuid.UUID, qt domain.QuotaType, amount int64) (int64, error)
}

// EnforceQuota rejects the request with 403 and the limit details when amount
// more of qt would exceed the tenant's quota. Requests without a tenant get
// 403 as in RequireTenant.
func EnforceQuota(svc QuotaEnforcer, qt domain.QuotaType, amount int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid, ok := TenantIDFromContext(r.Context())
			if !ok || tid == uuid.Nil {
				writeProblem(w, problem{Status: http.StatusForbidden, Detail: "valid tenant required"})
				return
			}

			if err := svc.EnforceQuota(r.Context(), tid, qt, amount); err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MeterUsage counts one unit of qt for every request that completes without
// a server error. Counting failures are logged, never surfaced.
func MeterUsage(svc QuotaEnforcer, qt domain.QuotaType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid, ok := TenantIDFromContext(r.Context())
			if !ok || tid == uuid.Nil {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status >= http.StatusInternalServerError {
				return
			}

			ctx := context.WithoutCancel(r.Context())
			if _, err := svc.IncrementUsage(ctx, tid, qt, 1); err != nil {
				log.Warn().Err(err).
					Str("tenant_id", tid.String()).
					Str("quota_type", string(qt)).
					Msg("middleware.MeterUsage: increment failed")
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
