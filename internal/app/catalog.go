package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/storage"
)

// Catalog manages the provider/model inventory and keeps the route cache
// consistent with mutations. Provider changes can affect every model the
// provider serves, so they trigger a full route warmup; model changes touch
// only their own cache entry.
type Catalog struct {
	store  storage.Store
	router *Router
	log    *slog.Logger
}

// NewCatalog returns a Catalog backed by store; router receives cache refreshes.
func NewCatalog(store storage.Store, router *Router, log *slog.Logger) *Catalog {
	return &Catalog{store: store, router: router, log: log}
}

// CreateProviderOpts holds the fields for provider creation.
type CreateProviderOpts struct {
	Name    string
	Kind    gateway.ProviderKind
	BaseURL string // empty = kind default
	APIKey  string
}

// CreateProvider registers a new upstream provider.
func (c *Catalog) CreateProvider(ctx context.Context, opts CreateProviderOpts) (*gateway.ProviderInfo, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = opts.Kind.DefaultBaseURL()
	}
	now := time.Now().UTC()
	p := &gateway.Provider{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Kind:      opts.Kind,
		BaseURL:   baseURL,
		APIKey:    opts.APIKey,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateProvider(ctx, p); err != nil {
		return nil, err
	}
	return p.Info(), nil
}

// GetProvider returns one provider's admin projection.
func (c *Catalog) GetProvider(ctx context.Context, id string) (*gateway.ProviderInfo, error) {
	p, err := c.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Info(), nil
}

// ListProviders returns all providers, credentials reduced to previews.
func (c *Catalog) ListProviders(ctx context.Context) ([]*gateway.ProviderInfo, error) {
	providers, err := c.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]*gateway.ProviderInfo, len(providers))
	for i, p := range providers {
		infos[i] = p.Info()
	}
	return infos, nil
}

// UpdateProviderOpts holds the mutable provider fields. Nil leaves a field
// unchanged; APIKey is replaced only when non-nil.
type UpdateProviderOpts struct {
	Name     *string
	Kind     *gateway.ProviderKind
	BaseURL  *string
	APIKey   *string
	IsActive *bool
}

// UpdateProvider applies a partial update, then rebuilds the whole route
// cache: any model served by this provider may have changed routing fields.
func (c *Catalog) UpdateProvider(ctx context.Context, id string, opts UpdateProviderOpts) (*gateway.ProviderInfo, error) {
	p, err := c.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Name != nil {
		p.Name = *opts.Name
	}
	if opts.Kind != nil {
		p.Kind = *opts.Kind
	}
	if opts.BaseURL != nil {
		p.BaseURL = *opts.BaseURL
	}
	if opts.APIKey != nil {
		p.APIKey = *opts.APIKey
	}
	if opts.IsActive != nil {
		p.IsActive = *opts.IsActive
	}
	if err := c.store.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}
	c.refreshAllRoutes(ctx)
	return p.Info(), nil
}

// DeleteProvider removes a provider that no model references, then rebuilds
// the route cache.
func (c *Catalog) DeleteProvider(ctx context.Context, id string) error {
	if err := c.store.DeleteProvider(ctx, id); err != nil {
		return err
	}
	c.refreshAllRoutes(ctx)
	return nil
}

// CreateModelOpts holds the fields for model creation. Zero coefficients are
// normalized to 1.0.
type CreateModelOpts struct {
	Name                   string
	ProviderID             string
	ProviderModelName      *string
	InputTokenCoefficient  float64
	OutputTokenCoefficient float64
}

// CreateModel registers a new model mapping and primes its route cache entry.
func (c *Catalog) CreateModel(ctx context.Context, opts CreateModelOpts) (*gateway.ModelInfo, error) {
	if _, err := c.store.GetProvider(ctx, opts.ProviderID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &gateway.Model{
		ID:                     uuid.NewString(),
		Name:                   opts.Name,
		ProviderID:             opts.ProviderID,
		ProviderModelName:      opts.ProviderModelName,
		IsActive:               true,
		InputTokenCoefficient:  normCoeff(opts.InputTokenCoefficient),
		OutputTokenCoefficient: normCoeff(opts.OutputTokenCoefficient),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := c.store.CreateModel(ctx, m); err != nil {
		return nil, err
	}
	c.refreshRoute(ctx, m.Name)
	return c.store.GetModelInfo(ctx, m.ID)
}

// GetModel returns one model's admin projection.
func (c *Catalog) GetModel(ctx context.Context, id string) (*gateway.ModelInfo, error) {
	return c.store.GetModelInfo(ctx, id)
}

// ListModels returns all models with their provider names.
func (c *Catalog) ListModels(ctx context.Context) ([]*gateway.ModelInfo, error) {
	return c.store.ListModels(ctx)
}

// UpdateModelOpts holds the mutable model fields; nil leaves a field unchanged.
type UpdateModelOpts struct {
	Name                   *string
	ProviderID             *string
	ProviderModelName      *string
	IsActive               *bool
	InputTokenCoefficient  *float64
	OutputTokenCoefficient *float64
}

// UpdateModel applies a partial update. A rename evicts the old cache entry;
// the (possibly new) name is then re-resolved.
func (c *Catalog) UpdateModel(ctx context.Context, id string, opts UpdateModelOpts) (*gateway.ModelInfo, error) {
	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	oldName := m.Name
	if opts.Name != nil {
		m.Name = *opts.Name
	}
	if opts.ProviderID != nil {
		if _, err := c.store.GetProvider(ctx, *opts.ProviderID); err != nil {
			return nil, err
		}
		m.ProviderID = *opts.ProviderID
	}
	if opts.ProviderModelName != nil {
		m.ProviderModelName = opts.ProviderModelName
	}
	if opts.IsActive != nil {
		m.IsActive = *opts.IsActive
	}
	if opts.InputTokenCoefficient != nil {
		m.InputTokenCoefficient = normCoeff(*opts.InputTokenCoefficient)
	}
	if opts.OutputTokenCoefficient != nil {
		m.OutputTokenCoefficient = normCoeff(*opts.OutputTokenCoefficient)
	}
	if err := c.store.UpdateModel(ctx, m); err != nil {
		return nil, err
	}
	if oldName != m.Name {
		c.router.CacheEvict(ctx, oldName)
	}
	c.refreshRoute(ctx, m.Name)
	return c.store.GetModelInfo(ctx, id)
}

// DeleteModel removes a model and evicts its route cache entry.
func (c *Catalog) DeleteModel(ctx context.Context, id string) error {
	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteModel(ctx, id); err != nil {
		return err
	}
	c.router.CacheEvict(ctx, m.Name)
	return nil
}

// refreshRoute re-resolves one model and updates or evicts its cache entry.
func (c *Catalog) refreshRoute(ctx context.Context, name string) {
	route, err := c.store.ResolveRoute(ctx, name)
	if err != nil {
		c.router.CacheEvict(ctx, name)
		return
	}
	c.router.CacheSet(ctx, name, route)
}

func (c *Catalog) refreshAllRoutes(ctx context.Context) {
	if err := c.router.WarmupRoutes(ctx); err != nil {
		c.log.LogAttrs(ctx, slog.LevelWarn, "route cache rebuild failed",
			slog.String("error", err.Error()))
	}
}

func normCoeff(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	return v
}
