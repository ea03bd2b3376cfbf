package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("categories", func(t *testing.T) { testCategories(t, newStore(t)) })
	t.Run("create and get report", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("create rejects unknown category", func(t *testing.T) { testCreateUnknownCategory(t, newStore(t)) })
	t.Run("list ordering and filters", func(t *testing.T) { testListReports(t, newStore(t)) })
	t.Run("list in box", func(t *testing.T) { testListInBox(t, newStore(t)) })
	t.Run("update appends audit", func(t *testing.T) { testUpdateReport(t, newStore(t)) })
	t.Run("concurrent updates are serialized", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("delete with guard", func(t *testing.T) { testDeleteReport(t, newStore(t)) })
	t.Run("stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("idempotency", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("idempotency claims", func(t *testing.T) { testIdempotencyClaims(t, newStore(t)) })
}

var suiteBase = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func seedCategory(t *testing.T, s Store, name string) model.Category {
	t.Helper()
	c, err := s.CreateCategory(context.Background(), model.Category{Name: name, Description: name + " issues"})
	require.NoError(t, err)
	return *c
}

func newReport(id string, categoryID int64, offset time.Duration, loc *geo.Coordinate) model.Report {
	at := suiteBase.Add(offset)
	return model.Report{
		ID:          id,
		UserID:      "user-1",
		CategoryID:  categoryID,
		Title:       "Broken street light " + id,
		Description: "The light has been out for a week",
		Location:    loc,
		Status:      model.StatusPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func testCategories(t *testing.T, s Store) {
	ctx := context.Background()
	water := seedCategory(t, s, "Water Supply")
	road := seedCategory(t, s, "Road")

	_, err := s.CreateCategory(ctx, model.Category{Name: "Road"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetCategory(ctx, water.ID)
	require.NoError(t, err)
	assert.Equal(t, water, *got)

	_, err = s.GetCategory(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Category{road, water}, list)
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	cat := seedCategory(t, s, "Road")

	accuracy := 12.5
	r := newReport("r1", cat.ID, 0, &geo.Coordinate{Lat: 16.4752579, Lng: 102.8222775})
	r.AccuracyMeters = &accuracy
	r.Severity = model.SeverityHigh
	r.Attachment = &model.Attachment{StorageKey: "1700000000000_abc.jpg", ContentType: "image/jpeg", SizeBytes: 2048}
	require.NoError(t, s.CreateReport(ctx, r))

	got, err := s.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r, *got)

	assert.ErrorIs(t, s.CreateReport(ctx, r), ErrConflict)

	_, err = s.GetReport(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	bare := newReport("r2", cat.ID, time.Second, nil)
	require.NoError(t, s.CreateReport(ctx, bare))
	got, err = s.GetReport(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, got.Location)
	assert.Nil(t, got.Attachment)
	assert.Nil(t, got.AccuracyMeters)
}

func testCreateUnknownCategory(t *testing.T, s Store) {
	ctx := context.Background()
	err := s.CreateReport(ctx, newReport("orphan", 424242, 0, nil))
	assert.ErrorIs(t, err, ErrCategoryNotFound)

	_, err = s.GetReport(ctx, "orphan")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testListReports(t *testing.T, s Store) {
	ctx := context.Background()
	road := seedCategory(t, s, "Road")
	water := seedCategory(t, s, "Water Supply")

	require.NoError(t, s.CreateReport(ctx, newReport("a", road.ID, 1*time.Minute, nil)))
	require.NoError(t, s.CreateReport(ctx, newReport("b", water.ID, 2*time.Minute, nil)))
	c := newReport("c", road.ID, 3*time.Minute, nil)
	c.Status = model.StatusFixing
	require.NoError(t, s.CreateReport(ctx, c))

	all, err := s.ListReports(ctx, model.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	status := model.StatusPending
	pending, err := s.ListReports(ctx, model.ReportFilter{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(pending))

	both, err := s.ListReports(ctx, model.ReportFilter{Status: &status, CategoryID: &road.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(both))

	limited, err := s.ListReports(ctx, model.ReportFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, ids(limited))
}

func testListInBox(t *testing.T, s Store) {
	ctx := context.Background()
	cat := seedCategory(t, s, "Road")
	center := geo.Coordinate{Lat: 16.4752579, Lng: 102.8222775}

	require.NoError(t, s.CreateReport(ctx, newReport("near", cat.ID, 0, &center)))
	require.NoError(t, s.CreateReport(ctx, newReport("far", cat.ID, time.Second, &geo.Coordinate{Lat: 13.75, Lng: 100.5})))
	require.NoError(t, s.CreateReport(ctx, newReport("nowhere", cat.ID, 2*time.Second, nil)))
	require.NoError(t, s.CreateReport(ctx, newReport("dateline", cat.ID, 3*time.Second, &geo.Coordinate{Lat: 0, Lng: -179.99})))

	got, err := s.ListReportsInBox(ctx, geo.BoundingBoxAround(center, 5), model.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids(got))

	completed := model.StatusCompleted
	got, err = s.ListReportsInBox(ctx, geo.BoundingBoxAround(center, 5), model.ReportFilter{Status: &completed})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ListReportsInBox(ctx, geo.BoundingBoxAround(geo.Coordinate{Lat: 0, Lng: 179.99}, 10), model.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dateline"}, ids(got))
}

func testUpdateReport(t *testing.T, s Store) {
	ctx := context.Background()
	cat := seedCategory(t, s, "Road")
	orig := newReport("r1", cat.ID, 0, nil)
	require.NoError(t, s.CreateReport(ctx, orig))

	updated, err := s.UpdateReport(ctx, "r1", func(r *model.Report) (*model.StatusChange, error) {
		from := r.Status
		r.Status = model.StatusInProgress
		r.UserID = "someone-else"
		return &model.StatusChange{FromStatus: from, ToStatus: r.Status, Note: "crew assigned", ChangedBy: "reviewer-1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, updated.Status)
	assert.Equal(t, "user-1", updated.UserID)
	assert.True(t, updated.CreatedAt.Equal(orig.CreatedAt))
	assert.True(t, updated.UpdatedAt.After(orig.UpdatedAt))

	rejected := errors.New("rejected")
	_, err = s.UpdateReport(ctx, "r1", func(r *model.Report) (*model.StatusChange, error) {
		r.Status = model.StatusCompleted
		return nil, rejected
	})
	assert.ErrorIs(t, err, rejected)

	got, err := s.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)

	history, err := s.ListStatusChanges(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r1", history[0].ReportID)
	assert.Equal(t, model.StatusPending, history[0].FromStatus)
	assert.Equal(t, model.StatusInProgress, history[0].ToStatus)
	assert.Equal(t, "crew assigned", history[0].Note)
	assert.Equal(t, "reviewer-1", history[0].ChangedBy)
	assert.True(t, history[0].ChangedAt.Equal(updated.UpdatedAt))

	_, err = s.UpdateReport(ctx, "missing", func(r *model.Report) (*model.StatusChange, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func testConcurrentUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	cat := seedCategory(t, s, "Road")
	require.NoError(t, s.CreateReport(ctx, newReport("r1", cat.ID, 0, nil)))

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateReport(ctx, "r1", func(r *model.Report) (*model.StatusChange, error) {
				r.Description += "+"
				return nil, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, writers, strings.Count(got.Description, "+"))
}

func testDeleteReport(t *testing.T, s Store) {
	ctx := context.Background()
	cat := seedCategory(t, s, "Road")
	loc := geo.Coordinate{Lat: 16.4752579, Lng: 102.8222775}
	require.NoError(t, s.CreateReport(ctx, newReport("r1", cat.ID, 0, &loc)))
	_, err := s.UpdateReport(ctx, "r1", func(r *model.Report) (*model.StatusChange, error) {
		r.Status = model.StatusInProgress
		return &model.StatusChange{FromStatus: model.StatusPending, ToStatus: model.StatusInProgress, ChangedBy: "user-1"}, nil
	})
	require.NoError(t, err)

	forbidden := errors.New("forbidden")
	_, err = s.DeleteReport(ctx, "r1", func(r model.Report) error { return forbidden })
	assert.ErrorIs(t, err, forbidden)
	_, err = s.GetReport(ctx, "r1")
	require.NoError(t, err)

	deleted, err := s.DeleteReport(ctx, "r1", func(r model.Report) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "r1", deleted.ID)

	_, err = s.GetReport(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	inBox, err := s.ListReportsInBox(ctx, geo.BoundingBoxAround(loc, 1), model.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, inBox)

	history, err := s.ListStatusChanges(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = s.DeleteReport(ctx, "r1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	road := seedCategory(t, s, "Road")
	water := seedCategory(t, s, "Water Supply")
	empty := seedCategory(t, s, "Electricity")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateReport(ctx, newReport(fmt.Sprintf("road-%d", i), road.ID, time.Duration(i)*time.Second, nil)))
	}
	done := newReport("water-0", water.ID, time.Minute, nil)
	done.Status = model.StatusCompleted
	require.NoError(t, s.CreateReport(ctx, done))

	stats, err := s.ReportStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, map[model.Status]int64{
		model.StatusPending:    3,
		model.StatusInProgress: 0,
		model.StatusFixing:     0,
		model.StatusCompleted:  1,
	}, stats.ByStatus)
	assert.Equal(t, []model.CategoryCount{
		{CategoryID: empty.ID, Name: "Electricity", Count: 0},
		{CategoryID: road.ID, Name: "Road", Count: 3},
		{CategoryID: water.ID, Name: "Water Supply", Count: 1},
	}, stats.ByCategory)
}

func testIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	_, err := s.GetIdempotentResponse(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.StoreIdempotentResponse(ctx, "k1", "req-a", []byte(`{"data":1}`), 201, expires))
	require.NoError(t, s.StoreIdempotentResponse(ctx, "k1", "req-a", []byte(`{"data":1}`), 201, expires))
	assert.ErrorIs(t, s.StoreIdempotentResponse(ctx, "k1", "req-b", []byte(`{}`), 201, expires), ErrConflict)

	got, err := s.GetIdempotentResponse(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "req-a", got.RequestHash)
	assert.Equal(t, 201, got.StatusCode)
	assert.JSONEq(t, `{"data":1}`, string(got.ResponseBody))

	require.NoError(t, s.StoreIdempotentResponse(ctx, "k2", "req-a", []byte(`{}`), 201, time.Now().Add(-time.Minute)))
	_, err = s.GetIdempotentResponse(ctx, "k2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.StoreIdempotentResponse(ctx, "k2", "req-b", []byte(`{}`), 201, expires))
}

func testIdempotencyClaims(t *testing.T, s Store) {
	ctx := context.Background()
	expires := time.Now().Add(time.Hour)

	const workers = 20
	var wg sync.WaitGroup
	var won atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimIdempotencyKey(ctx, "k1", "req-a", expires)
			assert.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())

	pending, err := s.GetIdempotentResponse(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, pending.Pending())
	assert.Equal(t, "req-a", pending.RequestHash)

	// A release by another request leaves the claim in place.
	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "k1", "req-b"))
	ok, err := s.ClaimIdempotencyKey(ctx, "k1", "req-b", expires)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "k1", "req-a"))
	_, err = s.GetIdempotentResponse(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = s.ClaimIdempotencyKey(ctx, "k1", "req-a", expires)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.StoreIdempotentResponse(ctx, "k1", "req-a", []byte(`{"data":1}`), 201, expires))
	done, err := s.GetIdempotentResponse(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, done.Pending())

	// Completed responses are not released.
	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "k1", "req-a"))
	_, err = s.GetIdempotentResponse(ctx, "k1")
	assert.NoError(t, err)

	// Expired claims are taken over.
	ok, err = s.ClaimIdempotencyKey(ctx, "k2", "req-a", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ClaimIdempotencyKey(ctx, "k2", "req-b", expires)
	require.NoError(t, err)
	assert.True(t, ok)
}

func ids(reports []model.Report) []string {
	out := make([]string, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.ID)
	}
	return out
}
