package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierStarter    TenantTier = "starter"
	TierGrowth     TenantTier = "growth"
	TierScale      TenantTier = "scale"
	TierEnterprise TenantTier = "enterprise"
)

func (t TenantTier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierGrowth, TierScale, TierEnterprise:
		return true
	default:
		return false
	}
}

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusTrial     TenantStatus = "trial"
	TenantStatusSuspended TenantStatus = "suspended"
	TenantStatusCancelled TenantStatus = "cancelled"
)

func (s TenantStatus) Valid() bool {
	switch s {
	case TenantStatusActive, TenantStatusTrial, TenantStatusSuspended, TenantStatusCancelled:
		return true
	default:
		return false
	}
}

const maxSlugLen = 63

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug checks that slug is a lowercase, hyphen-separated, URL-safe label.
func ValidateSlug(slug string) error {
	if slug == "" || len(slug) > maxSlugLen || !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	return nil
}

// TenantConfig holds typed tenant settings. Settings without a typed field go
// into the string extension bucket, which is only reachable through methods.
type TenantConfig struct {
	CustomDomain           string
	CustomDomainVerified   bool
	DataResidencyRegion    string
	EnableAdvancedMatching bool
	EnableMLFeatures       bool
	WebhookTimeout         time.Duration
	MaxRetries             int

	extensions map[string]string
}

func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		DataResidencyRegion: "us",
		WebhookTimeout:      30 * time.Second,
		MaxRetries:          3,
	}
}

// Extension returns a single extension value.
func (c TenantConfig) Extension(key string) (string, bool) {
	v, ok := c.extensions[key]
	return v, ok
}

// Extensions returns a copy of the extension bucket.
func (c TenantConfig) Extensions() map[string]string {
	return maps.Clone(c.extensions)
}

// WithExtension returns a copy of c with key set. The receiver is not modified.
func (c TenantConfig) WithExtension(key, value string) TenantConfig {
	ext := make(map[string]string, len(c.extensions)+1)
	maps.Copy(ext, c.extensions)
	ext[key] = value
	c.extensions = ext
	return c
}

type tenantConfigJSON struct {
	CustomDomain           string            `json:"custom_domain,omitempty"`
	CustomDomainVerified   bool              `json:"custom_domain_verified"`
	DataResidencyRegion    string            `json:"data_residency_region"`
	EnableAdvancedMatching bool              `json:"enable_advanced_matching"`
	EnableMLFeatures       bool              `json:"enable_ml_features"`
	WebhookTimeoutMS       int64             `json:"webhook_timeout_ms"`
	MaxRetries             int               `json:"max_retries"`
	Extensions             map[string]string `json:"extensions,omitempty"`
}

func (c TenantConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(tenantConfigJSON{
		CustomDomain:           c.CustomDomain,
		CustomDomainVerified:   c.CustomDomainVerified,
		DataResidencyRegion:    c.DataResidencyRegion,
		EnableAdvancedMatching: c.EnableAdvancedMatching,
		EnableMLFeatures:       c.EnableMLFeatures,
		WebhookTimeoutMS:       c.WebhookTimeout.Milliseconds(),
		MaxRetries:             c.MaxRetries,
		Extensions:             c.extensions,
	})
}

func (c *TenantConfig) UnmarshalJSON(data []byte) error {
	var raw tenantConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = TenantConfig{
		CustomDomain:           raw.CustomDomain,
		CustomDomainVerified:   raw.CustomDomainVerified,
		DataResidencyRegion:    raw.DataResidencyRegion,
		EnableAdvancedMatching: raw.EnableAdvancedMatching,
		EnableMLFeatures:       raw.EnableMLFeatures,
		WebhookTimeout:         time.Duration(raw.WebhookTimeoutMS) * time.Millisecond,
		MaxRetries:             raw.MaxRetries,
		extensions:             raw.Extensions,
	}
	return nil
}

// TenantConfigPatch is a partial TenantConfig. Nil fields are left alone and
// Extensions entries are merged key by key.
type TenantConfigPatch struct {
	DataResidencyRegion    *string
	EnableAdvancedMatching *bool
	EnableMLFeatures       *bool
	WebhookTimeout         *time.Duration
	MaxRetries             *int
	Extensions             map[string]string
}

func (p TenantConfigPatch) apply(c TenantConfig) TenantConfig {
	if p.DataResidencyRegion != nil {
		c.DataResidencyRegion = *p.DataResidencyRegion
	}
	if p.EnableAdvancedMatching != nil {
		c.EnableAdvancedMatching = *p.EnableAdvancedMatching
	}
	if p.EnableMLFeatures != nil {
		c.EnableMLFeatures = *p.EnableMLFeatures
	}
	if p.WebhookTimeout != nil {
		c.WebhookTimeout = *p.WebhookTimeout
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if len(p.Extensions) > 0 {
		ext := make(map[string]string, len(c.extensions)+len(p.Extensions))
		maps.Copy(ext, c.extensions)
		maps.Copy(ext, p.Extensions)
		c.extensions = ext
	}
	return c
}

// TenantRecord is the flat persistence view of a Tenant.
type TenantRecord struct {
	ID             uuid.UUID
	Name           string
	Slug           string
	ParentTenantID *uuid.UUID
	Tier           TenantTier
	Status         TenantStatus
	Quotas         Quotas
	Config         TenantConfig
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Tenant is the tenant aggregate. State changes only through its methods, each
// of which bumps UpdatedAt.
type Tenant struct {
	id             uuid.UUID
	name           string
	slug           string
	parentTenantID *uuid.UUID
	tier           TenantTier
	status         TenantStatus
	quotas         Quotas
	config         TenantConfig
	metadata       map[string]string
	createdAt      time.Time
	updatedAt      time.Time
	deletedAt      *time.Time

	now func() time.Time
}

type CreateTenantParams struct {
	Name           string
	Slug           string
	ParentTenantID *uuid.UUID
	Tier           TenantTier
	Status         TenantStatus
	QuotaOverrides QuotaOverrides
	Config         *TenantConfig
	Metadata       map[string]string
}

// TenantFactory creates tenants with injected id and clock sources.
type TenantFactory struct {
	NewID func() uuid.UUID
	Now   func() time.Time
}

// NewTenantFactory returns a factory issuing time-ordered UUIDs.
func NewTenantFactory() *TenantFactory {
	return &TenantFactory{
		NewID: func() uuid.UUID {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.New()
			}
			return id
		},
		Now: time.Now,
	}
}

// Create validates p and returns a new tenant with tier-default quotas and
// any explicit overrides applied on top.
func (f *TenantFactory) Create(p CreateTenantParams) (*Tenant, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTenant)
	}
	if err := ValidateSlug(p.Slug); err != nil {
		return nil, err
	}
	tier := p.Tier
	if tier == "" {
		tier = TierFree
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidTenant, tier)
	}
	status := p.Status
	if status == "" {
		status = TenantStatusActive
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTenant, status)
	}

	cfg := DefaultTenantConfig()
	if p.Config != nil {
		cfg = *p.Config
	}

	now := f.Now()
	return &Tenant{
		id:             f.NewID(),
		name:           p.Name,
		slug:           p.Slug,
		parentTenantID: clonePtr(p.ParentTenantID),
		tier:           tier,
		status:         status,
		quotas:         p.QuotaOverrides.Apply(DefaultQuotas(tier)),
		config:         cfg,
		metadata:       maps.Clone(p.Metadata),
		createdAt:      now,
		updatedAt:      now,
		now:            f.Now,
	}, nil
}

// TenantFromPersistence rebuilds a tenant from a trusted record without validation.
func TenantFromPersistence(r TenantRecord) *Tenant {
	return &Tenant{
		id:             r.ID,
		name:           r.Name,
		slug:           r.Slug,
		parentTenantID: clonePtr(r.ParentTenantID),
		tier:           r.Tier,
		status:         r.Status,
		quotas:         r.Quotas,
		config:         r.Config,
		metadata:       r.Metadata,
		createdAt:      r.CreatedAt,
		updatedAt:      r.UpdatedAt,
		deletedAt:      clonePtr(r.DeletedAt),
		now:            time.Now,
	}
}

// Record returns the persistence view. Maps and pointers are copied.
func (t *Tenant) Record() TenantRecord {
	r := TenantRecord{
		ID:             t.id,
		Name:           t.name,
		Slug:           t.slug,
		ParentTenantID: t.ParentTenantID(),
		Tier:           t.tier,
		Status:         t.status,
		Quotas:         t.quotas,
		Config:         t.config.WithExtensionsCloned(),
		Metadata:       maps.Clone(t.metadata),
		CreatedAt:      t.createdAt,
		UpdatedAt:      t.updatedAt,
		DeletedAt:      t.DeletedAt(),
	}
	return r
}

// WithExtensionsCloned returns c backed by its own extension map.
func (c TenantConfig) WithExtensionsCloned() TenantConfig {
	c.extensions = maps.Clone(c.extensions)
	return c
}

func (t *Tenant) ID() uuid.UUID {
	return t.id
}

func (t *Tenant) Name() string {
	return t.name
}

func (t *Tenant) Slug() string {
	return t.slug
}

// ParentTenantID returns a copy of the parent id, or nil for a root tenant.
func (t *Tenant) ParentTenantID() *uuid.UUID {
	return clonePtr(t.parentTenantID)
}

func (t *Tenant) Tier() TenantTier {
	return t.tier
}

func (t *Tenant) Status() TenantStatus {
	return t.status
}

func (t *Tenant) CreatedAt() time.Time {
	return t.createdAt
}

func (t *Tenant) UpdatedAt() time.Time {
	return t.updatedAt
}

func (t *Tenant) DeletedAt() *time.Time {
	return clonePtr(t.deletedAt)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Quotas returns the effective limits. Quotas is a value type, so the caller
// gets its own copy.
func (t *Tenant) Quotas() Quotas {
	return t.quotas
}

// Config returns the typed settings. The extension bucket stays read-only
// through TenantConfig's accessors.
func (t *Tenant) Config() TenantConfig {
	return t.config
}

// MetadataValue returns one metadata entry.
func (t *Tenant) MetadataValue(key string) (string, bool) {
	v, ok := t.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata map.
func (t *Tenant) Metadata() map[string]string {
	return maps.Clone(t.metadata)
}

func (t *Tenant) IsDeleted() bool {
	return t.deletedAt != nil
}

func (t *Tenant) IsEnterprise() bool {
	return t.tier == TierEnterprise
}

func (t *Tenant) IsSubAccount() bool {
	return t.parentTenantID != nil
}

func (t *Tenant) touch() {
	t.updatedAt = t.now()
}

// UpdateTier changes the tier. Quotas are left as they are; callers that want
// the new tier's defaults apply them explicitly via ResetQuotasToTier.
func (t *Tenant) UpdateTier(tier TenantTier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidTenant, tier)
	}
	t.tier = tier
	t.touch()
	return nil
}

// ResetQuotasToTier replaces the quotas with the current tier's defaults.
func (t *Tenant) ResetQuotasToTier() {
	t.quotas = DefaultQuotas(t.tier)
	t.touch()
}

func (t *Tenant) UpdateStatus(status TenantStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTenant, status)
	}
	t.status = status
	t.touch()
	return nil
}

// UpdateQuotas merges the non-nil overrides into the current quotas.
func (t *Tenant) UpdateQuotas(o QuotaOverrides) {
	t.quotas = o.Apply(t.quotas)
	t.touch()
}

func (t *Tenant) UpdateConfig(p TenantConfigPatch) {
	t.config = p.apply(t.config)
	t.touch()
}

// UpdateMetadata merges entries into the metadata map.
func (t *Tenant) UpdateMetadata(entries map[string]string) {
	md := make(map[string]string, len(t.metadata)+len(entries))
	maps.Copy(md, t.metadata)
	maps.Copy(md, entries)
	t.metadata = md
	t.touch()
}

func (t *Tenant) SetCustomDomain(domain string, verified bool) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if limit := t.quotas.CustomDomains; domain != "" && limit != Unlimited && limit < 1 {
		var current int64
		if t.config.CustomDomain != "" {
			current = 1
		}
		return &QuotaExceededError{
			TenantID:  t.id,
			QuotaType: QuotaCustomDomains,
			Requested: 1,
			Current:   current,
			Limit:     limit,
		}
	}

	t.config.CustomDomain = domain
	t.config.CustomDomainVerified = verified
	t.touch()
	return nil
}

// MarkAsDeleted soft-deletes the tenant. Calling it twice keeps the first
// deletion time.
func (t *Tenant) MarkAsDeleted() {
	now := t.now()
	if t.deletedAt == nil {
		t.deletedAt = &now
	}
	t.updatedAt = now
}

// Live returns ErrTenantDeleted for soft-deleted tenants.
func (t *Tenant) Live() error {
	if t.IsDeleted() {
		return fmt.Errorf("%w: %s", ErrTenantDeleted, t.id)
	}
	return nil
}

type TenantRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*Tenant, error)
	FindByCustomDomain(ctx context.Context, domain string) (*Tenant, error)
	Save(ctx context.Context, t *Tenant) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
}
