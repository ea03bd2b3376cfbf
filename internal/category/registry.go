// internal/category/registry.go
// Package category is the read-only registry of report categories.
package category

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
)

// DefaultTTL is how long a cached category list is served.
const DefaultTTL = 5 * time.Minute

// Defaults is the category set seeded into an empty store.
var Defaults = []model.Category{
	{Name: "Road", Description: "Potholes, damaged pavement, missing signs"},
	{Name: "Water Supply", Description: "Leaks, outages and water quality problems"},
	{Name: "Electricity", Description: "Power cuts, broken street lights, exposed wiring"},
	{Name: "Sanitation", Description: "Uncollected waste, blocked drains, illegal dumping"},
	{Name: "Public Safety", Description: "Hazards that put people at immediate risk"},
	{Name: "Other", Description: "Anything that does not fit another category"},
}

// Registry serves categories from the store through an optional cache.
type Registry struct {
	store   storage.Store
	cache   Cache
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRegistry creates a Registry. A nil cache disables caching.
func NewRegistry(store storage.Store, cache Cache, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if cache == nil {
		cache = NoopCache{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, cache: cache, ttl: ttl, metrics: m, logger: logger}
}

// List returns every category ordered by name.
func (r *Registry) List(ctx context.Context) ([]model.Category, error) {
	cats, ok, err := r.cache.Get(ctx)
	switch {
	case err != nil:
		r.observe("error")
		r.logger.WarnContext(ctx, "category cache read failed", slog.String("error", err.Error()))
	case ok:
		r.observe("hit")
		return cats, nil
	default:
		r.observe("miss")
	}

	cats, err = r.store.ListCategories(ctx)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.RPT_STORAGE, "failed to list categories", err)
	}
	if err := r.cache.Set(ctx, cats, r.ttl); err != nil {
		r.logger.WarnContext(ctx, "category cache write failed", slog.String("error", err.Error()))
	}
	return cats, nil
}

// Get returns one category or RPT_NOT_FOUND.
func (r *Registry) Get(ctx context.Context, id int64) (*model.Category, error) {
	c, err := r.store.GetCategory(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.NewWithDetails(errordefs.RPT_NOT_FOUND, "category not found", "", map[string]interface{}{"id": id})
		}
		return nil, errordefs.Wrap(errordefs.RPT_STORAGE, "failed to get category", err)
	}
	return c, nil
}

// Seed inserts defaults when the store holds no categories. It returns the
// number of categories created.
func (r *Registry) Seed(ctx context.Context, defaults []model.Category) (int, error) {
	existing, err := r.store.ListCategories(ctx)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.RPT_STORAGE, "failed to list categories", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	created := 0
	for _, c := range defaults {
		if _, err := r.store.CreateCategory(ctx, c); err != nil {
			if stderrors.Is(err, storage.ErrConflict) {
				continue
			}
			return created, errordefs.Wrap(errordefs.RPT_STORAGE, "failed to seed category "+c.Name, err)
		}
		created++
	}
	if created > 0 {
		if err := r.cache.Invalidate(ctx); err != nil {
			r.logger.WarnContext(ctx, "category cache invalidate failed", slog.String("error", err.Error()))
		}
		r.logger.InfoContext(ctx, "seeded default categories", slog.Int("count", created))
	}
	return created, nil
}

func (r *Registry) observe(result string) {
	if r.metrics != nil {
		r.metrics.CategoryCacheTotal.WithLabelValues(result).Inc()
	}
}
