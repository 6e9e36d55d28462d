package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/server/middleware"
)

type UsageRecordBody struct {
	QuotaType domain.QuotaType `json:"quota_type"`
	Period    string           `json:"period,omitempty"`
	Current   int64            `json:"current"`
	Limit     int64            `json:"limit" doc:"-1 when unlimited"`
	Unlimited bool             `json:"unlimited"`
}

type UsageOutput struct {
	Body struct {
		TenantID uuid.UUID         `json:"tenant_id"`
		Usage    []UsageRecordBody `json:"usage"`
	}
}

type QuotaRequestBody struct {
	QuotaType domain.QuotaType `json:"quota_type" enum:"storage,concurrent_jobs,monthly_reconciliations,rate_limit,api_calls"`
	Amount    int64            `json:"amount"`
}

type QuotaCheckInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body QuotaRequestBody
}

type QuotaCheckOutput struct {
	Body struct {
		Allowed   bool  `json:"allowed"`
		Current   int64 `json:"current"`
		Limit     int64 `json:"limit"`
		Requested int64 `json:"requested"`
		Unlimited bool  `json:"unlimited"`
	}
}

type UsageChangeInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body QuotaRequestBody
}

type UsageChangeOutput struct {
	Body struct {
		QuotaType domain.QuotaType `json:"quota_type"`
		Current   int64            `json:"current"`
	}
}

type CurrentQuotaCheckInput struct {
	Body QuotaRequestBody
}

// RegisterUsageRoutes mounts quota and usage operations addressed by tenant id.
func RegisterUsageRoutes(api huma.API, quotas QuotaService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-usage",
		Method:      http.MethodGet,
		Path:        "/tenants/{id}/usage",
		Summary:     "Snapshot usage against every quota",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *TenantIDInput) (*UsageOutput, error) {
		return getUsage(ctx, quotas, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-tenant-quota",
		Method:      http.MethodPost,
		Path:        "/tenants/{id}/quota-checks",
		Summary:     "Ask whether an amount fits within a quota",
		Description: "Never consumes quota. Negative amounts count as zero.",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *QuotaCheckInput) (*QuotaCheckOutput, error) {
		return checkQuota(ctx, quotas, input.ID, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "increment-tenant-usage",
		Method:      http.MethodPost,
		Path:        "/tenants/{id}/usage",
		Summary:     "Record usage",
		Description: "Atomically adds amount to the active counter. Only storage and concurrent_jobs accept negative amounts.",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *UsageChangeInput) (*UsageChangeOutput, error) {
		current, err := quotas.IncrementUsage(ctx, input.ID, input.Body.QuotaType, input.Body.Amount)
		if err != nil {
			return nil, toHTTPError(err, "failed to record usage")
		}

		out := &UsageChangeOutput{}
		out.Body.QuotaType = input.Body.QuotaType
		out.Body.Current = current
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-tenant-usage",
		Method:      http.MethodPost,
		Path:        "/tenants/{id}/usage/release",
		Summary:     "Release held storage or jobs",
		Tags:        []string{"Usage"},
	}, func(ctx context.Context, input *UsageChangeInput) (*UsageChangeOutput, error) {
		current, err := quotas.ReleaseUsage(ctx, input.ID, input.Body.QuotaType, input.Body.Amount)
		if err != nil {
			return nil, toHTTPError(err, "failed to release usage")
		}

		out := &UsageChangeOutput{}
		out.Body.QuotaType = input.Body.QuotaType
		out.Body.Current = current
		return out, nil
	})
}

// RegisterCurrentTenantRoutes mounts read-only views of the tenant resolved
// for the request.
func RegisterCurrentTenantRoutes(api huma.API, quotas QuotaService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-current-tenant",
		Method:      http.MethodGet,
		Path:        "/tenant",
		Summary:     "Get the tenant serving this request",
		Tags:        []string{"Current tenant"},
	}, func(ctx context.Context, _ *struct{}) (*TenantOutput, error) {
		t, ok := middleware.TenantFromContext(ctx)
		if !ok {
			return nil, huma.Error403Forbidden("missing tenant context")
		}
		return &TenantOutput{Body: newTenantBody(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-tenant-usage",
		Method:      http.MethodGet,
		Path:        "/tenant/usage",
		Summary:     "Snapshot usage of the tenant serving this request",
		Tags:        []string{"Current tenant"},
	}, func(ctx context.Context, _ *struct{}) (*UsageOutput, error) {
		tenantID, ok := middleware.TenantIDFromContext(ctx)
		if !ok {
			return nil, huma.Error403Forbidden("missing tenant context")
		}
		return getUsage(ctx, quotas, tenantID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-current-tenant-quota",
		Method:      http.MethodPost,
		Path:        "/tenant/quota-checks",
		Summary:     "Ask whether an amount fits within a quota of this tenant",
		Tags:        []string{"Current tenant"},
	}, func(ctx context.Context, input *CurrentQuotaCheckInput) (*QuotaCheckOutput, error) {
		tenantID, ok := middleware.TenantIDFromContext(ctx)
		if !ok {
			return nil, huma.Error403Forbidden("missing tenant context")
		}
		return checkQuota(ctx, quotas, tenantID, input.Body)
	})
}

func getUsage(ctx context.Context, quotas QuotaService, tenantID uuid.UUID) (*UsageOutput, error) {
	usage, err := quotas.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, toHTTPError(err, "failed to get usage")
	}

	out := &UsageOutput{}
	out.Body.TenantID = tenantID
	out.Body.Usage = make([]UsageRecordBody, 0, len(usage))
	for _, qt := range domain.QuotaTypes {
		rec, ok := usage[qt]
		if !ok {
			continue
		}
		out.Body.Usage = append(out.Body.Usage, UsageRecordBody{
			QuotaType: rec.QuotaType,
			Period:    rec.Period,
			Current:   rec.Current,
			Limit:     rec.Limit,
			Unlimited: rec.Unlimited(),
		})
	}
	return out, nil
}

func checkQuota(ctx context.Context, quotas QuotaService, tenantID uuid.UUID, req QuotaRequestBody) (*QuotaCheckOutput, error) {
	d, err := quotas.CheckQuota(ctx, tenantID, req.QuotaType, req.Amount)
	if err != nil {
		return nil, toHTTPError(err, "failed to check quota")
	}

	out := &QuotaCheckOutput{}
	out.Body.Allowed = d.Allowed
	out.Body.Current = d.Current
	out.Body.Limit = d.Limit
	out.Body.Requested = d.Requested
	out.Body.Unlimited = d.Unlimited
	return out, nil
}
