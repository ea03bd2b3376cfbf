package storage

import (
	"context"
	"time"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// instrumented records operation counts and latencies for any Store.
type instrumented struct {
	next Store
	m    *metrics.Metrics
}

// Instrument wraps s so every call is observed in m.
func Instrument(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &instrumented{next: s, m: m}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	status := metrics.StatusLabel(err)
	switch err {
	case ErrNotFound, ErrConflict, ErrCategoryNotFound:
		status = "miss"
	}
	i.m.StorageOperationTotal.WithLabelValues(op, status).Inc()
	i.m.StorageOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (i *instrumented) CreateCategory(ctx context.Context, c model.Category) (*model.Category, error) {
	start := time.Now()
	out, err := i.next.CreateCategory(ctx, c)
	i.observe("create_category", start, err)
	return out, err
}

func (i *instrumented) GetCategory(ctx context.Context, id int64) (*model.Category, error) {
	start := time.Now()
	out, err := i.next.GetCategory(ctx, id)
	i.observe("get_category", start, err)
	return out, err
}

func (i *instrumented) ListCategories(ctx context.Context) ([]model.Category, error) {
	start := time.Now()
	out, err := i.next.ListCategories(ctx)
	i.observe("list_categories", start, err)
	return out, err
}

func (i *instrumented) CreateReport(ctx context.Context, r model.Report) error {
	start := time.Now()
	err := i.next.CreateReport(ctx, r)
	i.observe("create_report", start, err)
	return err
}

func (i *instrumented) GetReport(ctx context.Context, id string) (*model.Report, error) {
	start := time.Now()
	out, err := i.next.GetReport(ctx, id)
	i.observe("get_report", start, err)
	return out, err
}

func (i *instrumented) ListReports(ctx context.Context, f model.ReportFilter) ([]model.Report, error) {
	start := time.Now()
	out, err := i.next.ListReports(ctx, f)
	i.observe("list_reports", start, err)
	return out, err
}

func (i *instrumented) ListReportsInBox(ctx context.Context, box geo.BoundingBox, f model.ReportFilter) ([]model.Report, error) {
	start := time.Now()
	out, err := i.next.ListReportsInBox(ctx, box, f)
	i.observe("list_reports_in_box", start, err)
	return out, err
}

func (i *instrumented) UpdateReport(ctx context.Context, id string, fn Mutation) (*model.Report, error) {
	start := time.Now()
	out, err := i.next.UpdateReport(ctx, id, fn)
	i.observe("update_report", start, err)
	return out, err
}

func (i *instrumented) DeleteReport(ctx context.Context, id string, guard Guard) (*model.Report, error) {
	start := time.Now()
	out, err := i.next.DeleteReport(ctx, id, guard)
	i.observe("delete_report", start, err)
	return out, err
}

func (i *instrumented) ListStatusChanges(ctx context.Context, reportID string) ([]model.StatusChange, error) {
	start := time.Now()
	out, err := i.next.ListStatusChanges(ctx, reportID)
	i.observe("list_status_changes", start, err)
	return out, err
}

func (i *instrumented) ReportStats(ctx context.Context) (*model.ReportStats, error) {
	start := time.Now()
	out, err := i.next.ReportStats(ctx)
	i.observe("report_stats", start, err)
	return out, err
}

func (i *instrumented) ClaimIdempotencyKey(ctx context.Context, keyHash, requestHash string, expiresAt time.Time) (bool, error) {
	start := time.Now()
	ok, err := i.next.ClaimIdempotencyKey(ctx, keyHash, requestHash, expiresAt)
	i.observe("claim_idempotency_key", start, err)
	return ok, err
}

func (i *instrumented) ReleaseIdempotencyKey(ctx context.Context, keyHash, requestHash string) error {
	start := time.Now()
	err := i.next.ReleaseIdempotencyKey(ctx, keyHash, requestHash)
	i.observe("release_idempotency_key", start, err)
	return err
}

func (i *instrumented) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	start := time.Now()
	err := i.next.StoreIdempotentResponse(ctx, keyHash, requestHash, responseBody, statusCode, expiresAt)
	i.observe("store_idempotent_response", start, err)
	return err
}

func (i *instrumented) GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error) {
	start := time.Now()
	out, err := i.next.GetIdempotentResponse(ctx, keyHash)
	i.observe("get_idempotent_response", start, err)
	return out, err
}

func (i *instrumented) Ping(ctx context.Context) error {
	return i.next.Ping(ctx)
}

func (i *instrumented) Close() {
	i.next.Close()
}
