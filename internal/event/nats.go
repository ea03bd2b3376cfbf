// internal/event/nats.go
// Package event publishes report lifecycle events to NATS JetStream.
// Subscribers use them to refresh maps and feed audit pipelines.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
)

// Event types, also used as JetStream subjects.
const (
	TypeReportCreated = "reports.created"
	TypeStatusChanged = "reports.status_changed"
	TypeReportDeleted = "reports.deleted"
)

// StreamName is the JetStream stream holding every report event.
const StreamName = "RA_REPORTS"

// Publisher defines the event publishing operations of the reports service.
type Publisher interface {
	PublishReportCreated(ctx context.Context, r model.Report) error
	PublishStatusChanged(ctx context.Context, r model.Report, change model.StatusChange) error
	PublishReportDeleted(ctx context.Context, r model.Report, deletedBy string) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	ID            string      `json:"id"`            // Unique event id
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID of the originating request
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// StatusChangedPayload is the payload of reports.status_changed.
type StatusChangedPayload struct {
	Report model.Report       `json:"report"`
	Change model.StatusChange `json:"change"`
}

// DeletedPayload is the payload of reports.deleted.
type DeletedPayload struct {
	ReportID  string `json:"reportId"`
	UserID    string `json:"userId"`
	DeletedBy string `json:"deletedBy"`
}

func newEnvelope(ctx context.Context, typ string, payload interface{}) EventEnvelope {
	corrID := telemetry.CorrelationID(ctx)
	if corrID == "" {
		corrID = uuid.New().String()
	}
	return EventEnvelope{
		ID:            uuid.New().String(),
		Type:          typ,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: corrID,
		Payload:       payload,
	}
}

// noop is used when NATS is not configured or unreachable.
type noop struct{}

// NewNoop returns a Publisher that discards every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishReportCreated(context.Context, model.Report) error { return nil }
func (noop) PublishStatusChanged(context.Context, model.Report, model.StatusChange) error {
	return nil
}
func (noop) PublishReportDeleted(context.Context, model.Report, string) error { return nil }
func (noop) Close() error                                                     { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	metrics *metrics.Metrics
}

// NewPublisher connects to url and ensures the report stream exists.
// An empty url, or any connection failure, yields a no-op publisher so the
// service keeps running without event streaming.
func NewPublisher(url string, m *metrics.Metrics, logger *slog.Logger) Publisher {
	if url == "" {
		return noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url, nats.Name("reportsd"))
	if err != nil {
		logger.Warn("NATS connect failed, using noop publisher", slog.String("error", err.Error()))
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop publisher", slog.String("error", err.Error()))
		nc.Close()
		return noop{}
	}

	if err := initStream(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop publisher", slog.String("error", err.Error()))
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js, metrics: m}
}

// initStream creates the report stream. JetStream drops messages whose
// Nats-Msg-Id repeats within the Duplicates window.
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"reports.*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishReportCreated(ctx context.Context, r model.Report) error {
	return p.publish(ctx, TypeReportCreated, "created:"+r.ID, r)
}

func (p *natsPub) PublishStatusChanged(ctx context.Context, r model.Report, change model.StatusChange) error {
	msgID := "status:" + r.ID + ":" + strconv.FormatInt(change.ID, 10) + ":" + string(change.ToStatus)
	return p.publish(ctx, TypeStatusChanged, msgID, StatusChangedPayload{Report: r, Change: change})
}

func (p *natsPub) PublishReportDeleted(ctx context.Context, r model.Report, deletedBy string) error {
	return p.publish(ctx, TypeReportDeleted, "deleted:"+r.ID, DeletedPayload{
		ReportID:  r.ID,
		UserID:    r.UserID,
		DeletedBy: deletedBy,
	})
}

func (p *natsPub) publish(ctx context.Context, subject, msgID string, payload interface{}) error {
	start := time.Now()
	b, err := json.Marshal(newEnvelope(ctx, subject, payload))
	if err == nil {
		_, err = p.js.Publish(subject, b, nats.MsgId(msgID), nats.Context(ctx))
	}
	if p.metrics != nil {
		status := metrics.StatusLabel(err)
		p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	}
	return err
}
