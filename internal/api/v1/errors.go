package v1

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/tenancy"
)

// toHTTPError maps domain, quota and pool errors onto huma status errors.
// msg describes the failed operation for 5xx responses.
func toHTTPError(err error, msg string) error {
	var qe *domain.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		return huma.Error403Forbidden("quota exceeded",
			&huma.ErrorDetail{Location: "quota_type", Value: qe.QuotaType},
			&huma.ErrorDetail{Location: "current", Value: qe.Current},
			&huma.ErrorDetail{Location: "limit", Value: qe.Limit},
			&huma.ErrorDetail{Location: "requested", Value: qe.Requested},
		)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTenantDeleted):
		return huma.Error404NotFound("tenant not found")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict("tenant slug or custom domain already in use")
	case errors.Is(err, domain.ErrInvalidTenant),
		errors.Is(err, domain.ErrInvalidSlug),
		errors.Is(err, domain.ErrUnknownQuotaType),
		errors.Is(err, domain.ErrInvalidAmount):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, tenancy.ErrPoolExhausted), errors.Is(err, tenancy.ErrPoolClosed):
		return huma.Error503ServiceUnavailable("database busy, retry later")
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
