// internal/proximity/nearby.go
// Package proximity answers "which reports lie within R km of a point".
package proximity

import (
	"context"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/report"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
)

// DefaultRadiusKm is used when the caller does not name a radius.
const DefaultRadiusKm = 5.0

// URLResolver turns a stored attachment into a fetchable URL.
type URLResolver interface {
	URLFor(ctx context.Context, att *model.Attachment) string
}

// Service runs proximity queries against the store.
type Service struct {
	store   storage.Store
	urls    URLResolver
	metrics *metrics.Metrics
}

// NewService creates a Service. urls and m may be nil.
func NewService(store storage.Store, urls URLResolver, m *metrics.Metrics) *Service {
	return &Service{store: store, urls: urls, metrics: m}
}

// Nearby returns located reports within radiusKm of center, nearest first.
// Ties on distance fall back to createdAt ascending and then id. The store's
// bounding-box prefilter only narrows candidates; every hit is confirmed with
// the exact haversine distance.
func (s *Service) Nearby(ctx context.Context, center geo.Coordinate, radiusKm float64, f model.ReportFilter) ([]model.NearbyReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "proximity.Nearby", trace.WithAttributes(
		attribute.Float64("geo.lat", center.Lat),
		attribute.Float64("geo.lng", center.Lng),
		attribute.Float64("geo.radius_km", radiusKm),
	))
	defer span.End()

	if err := center.Validate(); err != nil {
		return nil, fail(span, err)
	}
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 {
		return nil, fail(span, errordefs.NewWithDetails(errordefs.RPT_INVALID_RADIUS, "radiusKm must be a positive number", "",
			map[string]interface{}{"radiusKm": radiusKm}))
	}
	if err := report.CheckFilter(f); err != nil {
		return nil, fail(span, err)
	}

	candidates, err := s.store.ListReportsInBox(ctx, geo.BoundingBoxAround(center, radiusKm), f)
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to query reports by location"))
	}

	hits := make([]model.NearbyReport, 0, len(candidates))
	for _, r := range candidates {
		if r.Location == nil || !f.Matches(r) {
			continue
		}
		d := geo.DistanceKm(center, *r.Location)
		if d > radiusKm {
			continue
		}
		hits = append(hits, model.NearbyReport{Report: r, DistanceKm: d})
	}
	Sort(hits)
	if limit := f.EffectiveLimit(); len(hits) > limit {
		hits = hits[:limit]
	}

	if s.urls != nil {
		for i := range hits {
			if att := hits[i].Report.Attachment; att != nil {
				att.URL = s.urls.URLFor(ctx, att)
			}
		}
	}
	if s.metrics != nil {
		s.metrics.NearbyResults.Observe(float64(len(hits)))
	}
	span.SetAttributes(attribute.Int("reports.candidates", len(candidates)), attribute.Int("reports.count", len(hits)))
	return hits, nil
}

// Sort orders hits by distance, then createdAt ascending, then id.
func Sort(hits []model.NearbyReport) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.Report.CreatedAt.Equal(b.Report.CreatedAt) {
			return a.Report.CreatedAt.Before(b.Report.CreatedAt)
		}
		return a.Report.ID < b.Report.ID
	})
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
	return err
}
