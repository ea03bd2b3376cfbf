// internal/workflow/engine.go
// Package workflow enforces the report status chain
// pending -> in_progress -> fixing -> completed.
package workflow

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/event"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
)

// MaxNoteLength bounds the free-text note of a transition, in bytes.
const MaxNoteLength = 2000

// Next returns the single status reachable from s. ok is false for
// completed and for unknown statuses.
func Next(s model.Status) (next model.Status, ok bool) {
	rank := s.Rank()
	if rank < 0 || rank+1 >= len(model.StatusChain) {
		return "", false
	}
	return model.StatusChain[rank+1], true
}

// CanTransition reports whether from -> to is exactly one forward step.
func CanTransition(from, to model.Status) bool {
	next, ok := Next(from)
	return ok && next == to
}

// Engine applies status transitions through the store's serialized update path.
type Engine struct {
	store   storage.Store
	events  event.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine creates an Engine. A nil publisher disables events.
func NewEngine(store storage.Store, events event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if events == nil {
		events = event.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, events: events, metrics: m, logger: logger}
}

// Transition moves report id to status to on behalf of actor and appends one
// audit record. The owner or a reviewer may advance a report; authorization is
// checked before legality so other callers learn nothing about its state.
func (e *Engine) Transition(ctx context.Context, actor model.Actor, id string, to model.Status, note string) (*model.Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "workflow.Transition", trace.WithAttributes(
		attribute.String("report.id", id),
		attribute.String("status.to", string(to)),
	))
	defer span.End()

	if !actor.Authenticated() {
		return nil, fail(span, errordefs.New(errordefs.RPT_UNAUTHENTICATED, "authentication required", ""))
	}
	if !to.Valid() {
		return nil, fail(span, errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "unknown status", "",
			map[string]interface{}{"status": string(to), "allowed": model.StatusChain}))
	}
	note = strings.TrimSpace(note)
	if len(note) > MaxNoteLength {
		return nil, fail(span, errordefs.New(errordefs.RPT_VALIDATION, "note is too long", ""))
	}

	var from model.Status
	var change *model.StatusChange
	updated, err := e.store.UpdateReport(ctx, id, func(r *model.Report) (*model.StatusChange, error) {
		if r.UserID != actor.UserID && !actor.Reviewer {
			return nil, errordefs.New(errordefs.RPT_FORBIDDEN, "only the owner or a reviewer may change the status", "")
		}
		if !CanTransition(r.Status, to) {
			return nil, invalidTransition(r.Status, to)
		}
		from = r.Status
		r.Status = to
		change = &model.StatusChange{
			FromStatus: from,
			ToStatus:   to,
			Note:       note,
			ChangedBy:  actor.UserID,
		}
		return change, nil
	})
	if err != nil {
		return nil, fail(span, storage.Translate(err, "failed to update report status"))
	}

	if e.metrics != nil {
		e.metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	if err := e.events.PublishStatusChanged(ctx, *updated, *change); err != nil {
		e.logger.WarnContext(ctx, "failed to publish status changed event",
			slog.String("report_id", id), slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "report status changed",
		slog.String("report_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("changed_by", actor.UserID))
	return updated, nil
}

func invalidTransition(from, to model.Status) error {
	details := map[string]interface{}{"from": string(from), "to": string(to)}
	if next, ok := Next(from); ok {
		details["allowed"] = string(next)
	}
	msg := "cannot move a report from " + string(from) + " to " + string(to)
	if from.Terminal() {
		msg = "report is completed"
	}
	return errordefs.NewWithDetails(errordefs.RPT_INVALID_TRANSITION, msg, "", details)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
	return err
}
