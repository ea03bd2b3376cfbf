package proximity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
)

var khonKaen = geo.Coordinate{Lat: 16.4752579, Lng: 102.8222775}

// northOf returns the point km kilometres due north of c.
func northOf(c geo.Coordinate, km float64) geo.Coordinate {
	return geo.Coordinate{Lat: c.Lat + km/(geo.EarthRadiusKm*math.Pi/180), Lng: c.Lng}
}

type seed struct {
	id     string
	loc    *geo.Coordinate
	status model.Status
	at     time.Time
}

func newStore(t *testing.T, seeds ...seed) (storage.Store, int64) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	c, err := st.CreateCategory(ctx, model.Category{Name: "Road"})
	require.NoError(t, err)
	for _, s := range seeds {
		status := s.status
		if status == "" {
			status = model.StatusPending
		}
		require.NoError(t, st.CreateReport(ctx, model.Report{
			ID:          s.id,
			UserID:      "u",
			CategoryID:  c.ID,
			Title:       "Report " + s.id,
			Description: "Fixture report " + s.id,
			Location:    s.loc,
			Status:      status,
			CreatedAt:   s.at,
			UpdatedAt:   s.at,
		}))
	}
	return st, c.ID
}

func loc(c geo.Coordinate) *geo.Coordinate { return &c }

func TestNearbyReturnsHitsWithinRadiusNearestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st, _ := newStore(t,
		seed{id: "far", loc: loc(northOf(khonKaen, 50)), at: base},
		seed{id: "half", loc: loc(northOf(khonKaen, 0.5)), at: base},
		seed{id: "here", loc: loc(khonKaen), at: base},
		seed{id: "nowhere", at: base},
	)
	svc := NewService(st, nil, nil)

	hits, err := svc.Nearby(context.Background(), khonKaen, 1, model.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "here", hits[0].Report.ID)
	assert.InDelta(t, 0, hits[0].DistanceKm, 1e-9)
	assert.Equal(t, "half", hits[1].Report.ID)
	assert.InDelta(t, 0.5, hits[1].DistanceKm, 1e-3)

	hits, err = svc.Nearby(context.Background(), khonKaen, DefaultRadiusKm, model.ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = svc.Nearby(context.Background(), khonKaen, 100, model.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "far", hits[2].Report.ID)
}

func TestNearbyTieBreaksByCreatedAtThenID(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st, _ := newStore(t,
		seed{id: "b", loc: loc(khonKaen), at: base},
		seed{id: "a", loc: loc(khonKaen), at: base},
		seed{id: "early", loc: loc(khonKaen), at: base.Add(-time.Hour)},
	)
	hits, err := NewService(st, nil, nil).Nearby(context.Background(), khonKaen, 1, model.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"early", "a", "b"}, []string{hits[0].Report.ID, hits[1].Report.ID, hits[2].Report.ID})
}

func TestNearbyFiltersAndLimit(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st, catID := newStore(t,
		seed{id: "p1", loc: loc(khonKaen), at: base},
		seed{id: "p2", loc: loc(northOf(khonKaen, 0.1)), at: base},
		seed{id: "f1", loc: loc(northOf(khonKaen, 0.2)), status: model.StatusFixing, at: base},
	)
	svc := NewService(st, nil, nil)
	ctx := context.Background()

	fixing := model.StatusFixing
	hits, err := svc.Nearby(ctx, khonKaen, 1, model.ReportFilter{Status: &fixing})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f1", hits[0].Report.ID)

	other := catID + 1
	hits, err = svc.Nearby(ctx, khonKaen, 1, model.ReportFilter{CategoryID: &other})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = svc.Nearby(ctx, khonKaen, 1, model.ReportFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p1", hits[0].Report.ID)
}

func TestNearbyAcrossAntimeridian(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st, _ := newStore(t,
		seed{id: "east", loc: loc(geo.Coordinate{Lat: 0, Lng: 179.999}), at: base},
		seed{id: "west", loc: loc(geo.Coordinate{Lat: 0, Lng: -179.999}), at: base},
	)
	hits, err := NewService(st, nil, nil).Nearby(context.Background(), geo.Coordinate{Lat: 0, Lng: 180}, 1, model.ReportFilter{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestNearbyInputErrors(t *testing.T) {
	st, _ := newStore(t)
	svc := NewService(st, nil, nil)
	ctx := context.Background()

	_, err := svc.Nearby(ctx, geo.Coordinate{Lat: 91, Lng: 0}, 1, model.ReportFilter{})
	assert.Equal(t, errordefs.RPT_INVALID_GEO, errordefs.CodeOf(err))

	for _, r := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err = svc.Nearby(ctx, khonKaen, r, model.ReportFilter{})
		assert.Equal(t, errordefs.RPT_INVALID_RADIUS, errordefs.CodeOf(err), "radius %v", r)
	}

	bogus := model.Status("closed")
	_, err = svc.Nearby(ctx, khonKaen, 1, model.ReportFilter{Status: &bogus})
	assert.Equal(t, errordefs.RPT_VALIDATION, errordefs.CodeOf(err))
}
