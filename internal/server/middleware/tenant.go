package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gosuda/tenantd/internal/domain"
)

// HeaderTenantID names the request header carrying an explicit tenant id.
const HeaderTenantID = "X-Tenant-ID"

// TenantLookup is the read side of domain.TenantRepository.
type TenantLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error)
}

// reservedSubdomains never name a tenant.
var reservedSubdomains = map[string]bool{"api": true, "www": true}

// ResolveTenant determines the tenant of a request from, in order, a verified
// custom domain, the first host label as a slug, the X-Tenant-ID header and a
// tenant id already placed in the context upstream. Unresolvable or deleted
// tenants get 404, suspended or cancelled ones 403.
func ResolveTenant(tenants TenantLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			t, err := resolve(ctx, tenants, r)
			if err != nil {
				if errors.Is(err, errBadTenantHeader) {
					writeProblem(w, problem{Status: http.StatusBadRequest, Detail: "invalid " + HeaderTenantID + " header"})
					return
				}
				writeError(w, r, err)
				return
			}
			if t == nil || t.IsDeleted() {
				writeProblem(w, problem{Status: http.StatusNotFound, Detail: "unable to determine tenant"})
				return
			}

			switch t.Status() {
			case domain.TenantStatusSuspended, domain.TenantStatusCancelled:
				writeProblem(w, problem{Status: http.StatusForbidden, Detail: "tenant account is suspended or cancelled"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(ctx, t)))
		})
	}
}

var errBadTenantHeader = errors.New("middleware: bad tenant header")

// resolve returns nil without error when no source names a tenant.
func resolve(ctx context.Context, tenants TenantLookup, r *http.Request) (*domain.Tenant, error) {
	host := hostname(r.Host)

	if host != "" {
		t, err := found(tenants.FindByCustomDomain(ctx, host))
		if t != nil || err != nil {
			return t, err
		}
	}

	if label, _, ok := strings.Cut(host, "."); ok && label != "" && !reservedSubdomains[label] {
		if domain.ValidateSlug(label) == nil {
			t, err := found(tenants.FindBySlug(ctx, label))
			if t != nil || err != nil {
				return t, err
			}
		}
	}

	if raw := r.Header.Get(HeaderTenantID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadTenantHeader
		}
		return found(tenants.FindByID(ctx, id))
	}

	if id, ok := TenantIDFromContext(ctx); ok && id != uuid.Nil {
		return found(tenants.FindByID(ctx, id))
	}

	return nil, nil
}

// found turns ErrNotFound into a nil tenant so the next source is tried.
func found(t *domain.Tenant, err error) (*domain.Tenant, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func hostname(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return ""
	}
	return host
}

func RequireTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid, ok := TenantIDFromContext(r.Context())
			if !ok || tid == uuid.Nil {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"valid tenant required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
