// internal/report/service.go
// Package report owns the report lifecycle outside of status changes:
// creation, reads, listing, deletion, attachment replacement and statistics.
package report

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/attachment"
	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/event"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
)

// Service is the report store facade used by the transport layer.
type Service struct {
	store       storage.Store
	attachments *attachment.Gateway
	events      event.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records domain counters.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDGenerator overrides report id generation.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// NewService wires a Service. A nil publisher disables events.
func NewService(store storage.Store, attachments *attachment.Gateway, events event.Publisher, logger *slog.Logger, opts ...Option) *Service {
	if events == nil {
		events = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:       store,
		attachments: attachments,
		events:      events,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the draft, stores the optional image and persists a new
// pending report. Nothing is persisted unless every check passes, and the
// image is removed again when the report cannot be written.
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput, file *attachment.File) (*model.Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "report.Create")
	defer span.End()

	if !actor.Authenticated() {
		return nil, fail(span, errordefs.New(errordefs.RPT_UNAUTHENTICATED, "authentication required", ""))
	}
	loc, accuracy, err := in.check()
	if err != nil {
		return nil, fail(span, err)
	}
	if file != nil {
		if err := s.attachments.Validate(file); err != nil {
			return nil, fail(span, err)
		}
	}
	if _, err := s.store.GetCategory(ctx, in.CategoryID); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, fail(span, errordefs.NewWithDetails(errordefs.RPT_CATEGORY_NOT_FOUND, "category not found", "",
				map[string]interface{}{"categoryId": in.CategoryID}))
		}
		return nil, fail(span, storage.Translate(err, "failed to load category"))
	}

	var att *model.Attachment
	if file != nil {
		att, err = s.attachments.Accept(ctx, file)
		if err != nil {
			return nil, fail(span, err)
		}
	}

	now := s.now().Truncate(time.Microsecond)
	r := model.Report{
		ID:             s.newID(),
		UserID:         actor.UserID,
		CategoryID:     in.CategoryID,
		Title:          in.Title,
		Description:    in.Description,
		Severity:       in.Severity,
		Location:       loc,
		AccuracyMeters: accuracy,
		Attachment:     att,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span.SetAttributes(
		attribute.String("report.id", r.ID),
		attribute.Int64("report.category_id", r.CategoryID),
		attribute.Bool("report.located", loc != nil),
		attribute.Bool("report.attachment", att != nil),
	)

	if err := s.store.CreateReport(ctx, r); err != nil {
		s.discard(ctx, att)
		return nil, fail(span, storage.Translate(err, "failed to create report"))
	}

	if s.metrics != nil {
		s.metrics.ReportsCreatedTotal.WithLabelValues(strconv.FormatBool(loc != nil), strconv.FormatBool(att != nil)).Inc()
	}
	if err := s.events.PublishReportCreated(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "failed to publish report created event",
			slog.String("report_id", r.ID), slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "report created",
		slog.String("report_id", r.ID),
		slog.String("user_id", r.UserID),
		slog.Int64("category_id", r.CategoryID))
	return s.decorate(ctx, &r), nil
}

// Get returns a report with its category and status history oldest first.
func (s *Service) Get(ctx context.Context, id string) (*model.ReportDetails, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "report.Get", trace.WithAttributes(attribute.String("report.id", id)))
	defer span.End()

	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to get report"))
	}

	details := &model.ReportDetails{Report: *s.decorate(ctx, r)}
	c, err := s.store.GetCategory(ctx, r.CategoryID)
	switch {
	case err == nil:
		details.Category = *c
	case stderrors.Is(err, storage.ErrNotFound):
		s.logger.WarnContext(ctx, "report references missing category",
			slog.String("report_id", id), slog.Int64("category_id", r.CategoryID))
		details.Category = model.Category{ID: r.CategoryID}
	default:
		return nil, fail(span, storage.Translate(err, "failed to get category"))
	}

	history, err := s.store.ListStatusChanges(ctx, id)
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to list status history"))
	}
	details.History = history
	return details, nil
}

// List returns reports newest first, filtered conjunctively.
func (s *Service) List(ctx context.Context, f model.ReportFilter) ([]model.Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "report.List")
	defer span.End()

	if err := CheckFilter(f); err != nil {
		return nil, fail(span, err)
	}
	reports, err := s.store.ListReports(ctx, f)
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to list reports"))
	}
	for i := range reports {
		s.decorate(ctx, &reports[i])
	}
	span.SetAttributes(attribute.Int("reports.count", len(reports)))
	return reports, nil
}

// Delete removes a report owned by actor and then its image. A failed image
// removal is logged and does not fail the call.
func (s *Service) Delete(ctx context.Context, actor model.Actor, id string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "report.Delete", trace.WithAttributes(attribute.String("report.id", id)))
	defer span.End()

	if !actor.Authenticated() {
		return fail(span, errordefs.New(errordefs.RPT_UNAUTHENTICATED, "authentication required", ""))
	}
	deleted, err := s.store.DeleteReport(ctx, id, ownerOnly(actor, "delete"))
	if err != nil {
		return fail(span, storage.Translate(err, "failed to delete report"))
	}

	s.discard(ctx, deleted.Attachment)
	if err := s.events.PublishReportDeleted(ctx, *deleted, actor.UserID); err != nil {
		s.logger.WarnContext(ctx, "failed to publish report deleted event",
			slog.String("report_id", id), slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "report deleted", slog.String("report_id", id), slog.String("user_id", actor.UserID))
	return nil
}

// ReplaceAttachment swaps the image of a report owned by actor. The new image
// is stored before the swap and the previous one is removed after it.
func (s *Service) ReplaceAttachment(ctx context.Context, actor model.Actor, id string, file *attachment.File) (*model.Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "report.ReplaceAttachment", trace.WithAttributes(attribute.String("report.id", id)))
	defer span.End()

	if !actor.Authenticated() {
		return nil, fail(span, errordefs.New(errordefs.RPT_UNAUTHENTICATED, "authentication required", ""))
	}
	if err := s.attachments.Validate(file); err != nil {
		return nil, fail(span, err)
	}
	current, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to get report"))
	}
	if err := ownerOnly(actor, "replace the attachment of")(*current); err != nil {
		return nil, fail(span, err)
	}

	att, err := s.attachments.Accept(ctx, file)
	if err != nil {
		return nil, fail(span, err)
	}

	var previous *model.Attachment
	guard := ownerOnly(actor, "replace the attachment of")
	updated, err := s.store.UpdateReport(ctx, id, func(r *model.Report) (*model.StatusChange, error) {
		if err := guard(*r); err != nil {
			return nil, err
		}
		previous = r.Attachment
		r.Attachment = att
		return nil, nil
	})
	if err != nil {
		s.discard(ctx, att)
		return nil, fail(span, storage.Translate(err, "failed to update report"))
	}

	s.discard(ctx, previous)
	s.logger.InfoContext(ctx, "report attachment replaced", slog.String("report_id", id), slog.String("key", att.StorageKey))
	return s.decorate(ctx, updated), nil
}

// Stats summarises reports by status and category.
func (s *Service) Stats(ctx context.Context) (*model.ReportStats, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "report.Stats")
	defer span.End()

	stats, err := s.store.ReportStats(ctx)
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to compute stats"))
	}
	return stats, nil
}

// CheckFilter rejects unknown statuses and negative limits.
func CheckFilter(f model.ReportFilter) error {
	if f.Status != nil && !f.Status.Valid() {
		return errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "unknown status", "",
			map[string]interface{}{"status": string(*f.Status)})
	}
	if f.Limit < 0 {
		return errordefs.New(errordefs.RPT_VALIDATION, "limit must not be negative", "")
	}
	return nil
}

// decorate resolves the attachment URL of r in place.
func (s *Service) decorate(ctx context.Context, r *model.Report) *model.Report {
	if r.Attachment != nil && s.attachments != nil {
		r.Attachment.URL = s.attachments.URLFor(ctx, r.Attachment)
	}
	return r
}

// discard removes an image that is no longer referenced, logging failures.
func (s *Service) discard(ctx context.Context, att *model.Attachment) {
	if att == nil || s.attachments == nil {
		return
	}
	if err := s.attachments.Remove(ctx, att); err != nil {
		s.logger.WarnContext(ctx, "failed to remove attachment",
			slog.String("key", att.StorageKey), slog.String("error", err.Error()))
	}
}

func ownerOnly(actor model.Actor, action string) storage.Guard {
	return func(r model.Report) error {
		if r.UserID != actor.UserID {
			return errordefs.New(errordefs.RPT_FORBIDDEN, "only the owner may "+action+" this report", "")
		}
		return nil
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
	return err
}
