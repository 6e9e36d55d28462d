package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/tenancy"
)

type problem struct {
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	QuotaType string `json:"quota_type,omitempty"`
	Current   *int64 `json:"current,omitempty"`
	Limit     *int64 `json:"limit,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

func writeProblem(w http.ResponseWriter, p problem) {
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps tenancy and quota failures onto HTTP statuses. Quota
// denials carry the numbers behind the decision.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var qe *domain.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		writeProblem(w, problem{
			Status:    http.StatusForbidden,
			Detail:    "quota exceeded",
			QuotaType: string(qe.QuotaType),
			Current:   &qe.Current,
			Limit:     &qe.Limit,
			Requested: &qe.Requested,
		})
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTenantDeleted):
		writeProblem(w, problem{Status: http.StatusNotFound, Detail: "tenant not found"})
	case errors.Is(err, domain.ErrUnknownQuotaType), errors.Is(err, domain.ErrInvalidAmount):
		writeProblem(w, problem{Status: http.StatusBadRequest, Detail: err.Error()})
	case errors.Is(err, tenancy.ErrPoolExhausted), errors.Is(err, tenancy.ErrPoolClosed):
		w.Header().Set("Retry-After", "1")
		writeProblem(w, problem{Status: http.StatusServiceUnavailable, Detail: "database busy, retry later"})
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("middleware: request failed")
		writeProblem(w, problem{Status: http.StatusInternalServerError, Detail: "internal error"})
	}
}
