package v1

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/tenantd/internal/domain"
)

// TenantBody is the wire form of a tenant.
type TenantBody struct {
	ID             uuid.UUID           `json:"id"`
	Name           string              `json:"name"`
	Slug           string              `json:"slug"`
	ParentTenantID *uuid.UUID          `json:"parent_tenant_id,omitempty"`
	Tier           domain.TenantTier   `json:"tier"`
	Status         domain.TenantStatus `json:"status"`
	Quotas         domain.Quotas       `json:"quotas"`
	Config         TenantConfigBody    `json:"config"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	DeletedAt      *time.Time          `json:"deleted_at,omitempty"`
}

type TenantConfigBody struct {
	CustomDomain           string            `json:"custom_domain,omitempty"`
	CustomDomainVerified   bool              `json:"custom_domain_verified"`
	DataResidencyRegion    string            `json:"data_residency_region"`
	EnableAdvancedMatching bool              `json:"enable_advanced_matching"`
	EnableMLFeatures       bool              `json:"enable_ml_features"`
	WebhookTimeoutMS       int64             `json:"webhook_timeout_ms"`
	MaxRetries             int               `json:"max_retries"`
	Extensions             map[string]string `json:"extensions,omitempty"`
}

func newTenantBody(t *domain.Tenant) *TenantBody {
	cfg := t.Config()
	return &TenantBody{
		ID:             t.ID(),
		Name:           t.Name(),
		Slug:           t.Slug(),
		ParentTenantID: t.ParentTenantID(),
		Tier:           t.Tier(),
		Status:         t.Status(),
		Quotas:         t.Quotas(),
		Config: TenantConfigBody{
			CustomDomain:           cfg.CustomDomain,
			CustomDomainVerified:   cfg.CustomDomainVerified,
			DataResidencyRegion:    cfg.DataResidencyRegion,
			EnableAdvancedMatching: cfg.EnableAdvancedMatching,
			EnableMLFeatures:       cfg.EnableMLFeatures,
			WebhookTimeoutMS:       cfg.WebhookTimeout.Milliseconds(),
			MaxRetries:             cfg.MaxRetries,
			Extensions:             cfg.Extensions(),
		},
		Metadata:  t.Metadata(),
		CreatedAt: t.CreatedAt(),
		UpdatedAt: t.UpdatedAt(),
		DeletedAt: t.DeletedAt(),
	}
}

type TenantOutput struct {
	Body *TenantBody
}

type CreateTenantInput struct {
	Body struct {
		Name           string                `json:"name" minLength:"1" maxLength:"255" doc:"Tenant name"`
		Slug           string                `json:"slug" minLength:"1" maxLength:"63" pattern:"^[a-z0-9]+(?:-[a-z0-9]+)*$" doc:"URL-safe slug (lowercase alphanumeric with hyphens)"`
		Tier           domain.TenantTier     `json:"tier,omitempty" enum:"free,starter,growth,scale,enterprise" doc:"Pricing tier, free when omitted"`
		ParentTenantID *uuid.UUID            `json:"parent_tenant_id,omitempty" doc:"Parent tenant for sub-accounts"`
		QuotaOverrides domain.QuotaOverrides `json:"quota_overrides,omitempty" doc:"Limits replacing the tier defaults"`
		Metadata       map[string]string     `json:"metadata,omitempty"`
	}
}

type ListTenantsInput struct {
	Limit  int `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Max results"`
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Offset for pagination"`
}

type ListTenantsOutput struct {
	Body []*TenantBody
}

type TenantIDInput struct {
	ID uuid.UUID `path:"id" doc:"Tenant ID"`
}

type UpdateTierInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body struct {
		Tier        domain.TenantTier `json:"tier" enum:"free,starter,growth,scale,enterprise"`
		ResetQuotas bool              `json:"reset_quotas,omitempty" doc:"Replace quotas with the new tier's defaults"`
	}
}

type UpdateStatusInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body struct {
		Status domain.TenantStatus `json:"status" enum:"active,trial,suspended,cancelled"`
	}
}

type UpdateQuotasInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body domain.QuotaOverrides
}

type UpdateConfigInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body struct {
		DataResidencyRegion    *string           `json:"data_residency_region,omitempty"`
		EnableAdvancedMatching *bool             `json:"enable_advanced_matching,omitempty"`
		EnableMLFeatures       *bool             `json:"enable_ml_features,omitempty"`
		WebhookTimeoutMS       *int64            `json:"webhook_timeout_ms,omitempty" minimum:"0"`
		MaxRetries             *int              `json:"max_retries,omitempty" minimum:"0"`
		Extensions             map[string]string `json:"extensions,omitempty"`
	}
}

type SetCustomDomainInput struct {
	ID   uuid.UUID `path:"id" doc:"Tenant ID"`
	Body struct {
		Domain   string `json:"domain" minLength:"3" maxLength:"253"`
		Verified bool   `json:"verified,omitempty"`
	}
}

type UpdateMetadataInput struct {
	ID   uuid.UUID         `path:"id" doc:"Tenant ID"`
	Body map[string]string `doc:"Entries merged into the tenant metadata"`
}

func RegisterTenantRoutes(api huma.API, store DataStore) {
	factory := domain.NewTenantFactory()

	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create a new tenant",
		Tags:          []string{"Tenants"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateTenantInput) (*TenantOutput, error) {
		if err := validateOverrides(input.Body.QuotaOverrides); err != nil {
			return nil, err
		}
		if input.Body.ParentTenantID != nil {
			if _, err := liveTenant(ctx, store, *input.Body.ParentTenantID); err != nil {
				return nil, toHTTPError(err, "failed to load parent tenant")
			}
		}

		t, err := factory.Create(domain.CreateTenantParams{
			Name:           input.Body.Name,
			Slug:           input.Body.Slug,
			ParentTenantID: input.Body.ParentTenantID,
			Tier:           input.Body.Tier,
			QuotaOverrides: input.Body.QuotaOverrides,
			Metadata:       input.Body.Metadata,
		})
		if err != nil {
			return nil, toHTTPError(err, "failed to create tenant")
		}

		saved, err := store.Tenants().Save(ctx, t)
		if err != nil {
			return nil, toHTTPError(err, "failed to create tenant")
		}

		return &TenantOutput{Body: newTenantBody(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List live tenants",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *ListTenantsInput) (*ListTenantsOutput, error) {
		tenants, err := store.Tenants().List(ctx, input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list tenants", err)
		}

		out := make([]*TenantBody, 0, len(tenants))
		for _, t := range tenants {
			out = append(out, newTenantBody(t))
		}
		return &ListTenantsOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{id}",
		Summary:     "Get a tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *TenantIDInput) (*TenantOutput, error) {
		t, err := liveTenant(ctx, store, input.ID)
		if err != nil {
			return nil, toHTTPError(err, "failed to get tenant")
		}
		return &TenantOutput{Body: newTenantBody(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant-tier",
		Method:      http.MethodPatch,
		Path:        "/tenants/{id}/tier",
		Summary:     "Change a tenant's tier",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *UpdateTierInput) (*TenantOutput, error) {
		return mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			if err := t.UpdateTier(input.Body.Tier); err != nil {
				return err
			}
			if input.Body.ResetQuotas {
				t.ResetQuotasToTier()
			}
			return nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant-status",
		Method:      http.MethodPatch,
		Path:        "/tenants/{id}/status",
		Summary:     "Change a tenant's status",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *UpdateStatusInput) (*TenantOutput, error) {
		return mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			return t.UpdateStatus(input.Body.Status)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant-quotas",
		Method:      http.MethodPatch,
		Path:        "/tenants/{id}/quotas",
		Summary:     "Override individual quota limits",
		Description: "Fields left out keep their current value. -1 removes a limit.",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *UpdateQuotasInput) (*TenantOutput, error) {
		if err := validateOverrides(input.Body); err != nil {
			return nil, err
		}
		return mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			t.UpdateQuotas(input.Body)
			return nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant-config",
		Method:      http.MethodPatch,
		Path:        "/tenants/{id}/config",
		Summary:     "Patch tenant settings",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *UpdateConfigInput) (*TenantOutput, error) {
		patch := domain.TenantConfigPatch{
			DataResidencyRegion:    input.Body.DataResidencyRegion,
			EnableAdvancedMatching: input.Body.EnableAdvancedMatching,
			EnableMLFeatures:       input.Body.EnableMLFeatures,
			MaxRetries:             input.Body.MaxRetries,
			Extensions:             input.Body.Extensions,
		}
		if input.Body.WebhookTimeoutMS != nil {
			d := time.Duration(*input.Body.WebhookTimeoutMS) * time.Millisecond
			patch.WebhookTimeout = &d
		}
		return mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			t.UpdateConfig(patch)
			return nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-tenant-custom-domain",
		Method:      http.MethodPut,
		Path:        "/tenants/{id}/custom-domain",
		Summary:     "Attach a custom domain to a tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *SetCustomDomainInput) (*TenantOutput, error) {
		return mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			return t.SetCustomDomain(input.Body.Domain, input.Body.Verified)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant-metadata",
		Method:      http.MethodPatch,
		Path:        "/tenants/{id}/metadata",
		Summary:     "Merge tenant metadata",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *UpdateMetadataInput) (*TenantOutput, error) {
		return mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			t.UpdateMetadata(input.Body)
			return nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-tenant",
		Method:        http.MethodDelete,
		Path:          "/tenants/{id}",
		Summary:       "Soft-delete a tenant",
		Tags:          []string{"Tenants"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *TenantIDInput) (*struct{}, error) {
		if _, err := mutate(ctx, store, input.ID, func(t *domain.Tenant) error {
			t.MarkAsDeleted()
			return nil
		}); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// liveTenant loads a tenant and rejects soft-deleted ones.
func liveTenant(ctx context.Context, store DataStore, id uuid.UUID) (*domain.Tenant, error) {
	t, err := store.Tenants().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Live(); err != nil {
		return nil, err
	}
	return t, nil
}

// mutate loads a live tenant, applies fn and saves the result.
func mutate(ctx context.Context, store DataStore, id uuid.UUID, fn func(t *domain.Tenant) error) (*TenantOutput, error) {
	t, err := liveTenant(ctx, store, id)
	if err != nil {
		return nil, toHTTPError(err, "failed to load tenant")
	}
	if err := fn(t); err != nil {
		return nil, toHTTPError(err, "failed to update tenant")
	}

	saved, err := store.Tenants().Save(ctx, t)
	if err != nil {
		return nil, toHTTPError(err, "failed to save tenant")
	}
	return &TenantOutput{Body: newTenantBody(saved)}, nil
}

// validateOverrides rejects limits below the Unlimited sentinel.
func validateOverrides(o domain.QuotaOverrides) error {
	fields := map[string]*int64{
		"rate_limit_rpm":          o.RateLimitRPM,
		"storage_bytes":           o.StorageBytes,
		"concurrent_jobs":         o.ConcurrentJobs,
		"monthly_reconciliations": o.MonthlyReconciliations,
		"custom_domains":          o.CustomDomains,
		"monthly_api_calls":       o.MonthlyAPICalls,
	}
	for name, v := range fields {
		if v != nil && *v < domain.Unlimited {
			return huma.Error422UnprocessableEntity(fmt.Sprintf("%s must be >= -1", name))
		}
	}
	return nil
}
