package event

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// Memory records envelopes in process. It backs tests and the conformance harness.
type Memory struct {
	mu     sync.Mutex
	events []EventEnvelope
	Err    error // Returned from every publish when set
}

// NewMemory returns an empty in-process publisher.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) record(ctx context.Context, typ string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, newEnvelope(ctx, typ, payload))
	return nil
}

func (m *Memory) PublishReportCreated(ctx context.Context, r model.Report) error {
	return m.record(ctx, TypeReportCreated, r)
}

func (m *Memory) PublishStatusChanged(ctx context.Context, r model.Report, change model.StatusChange) error {
	return m.record(ctx, TypeStatusChanged, StatusChangedPayload{Report: r, Change: change})
}

func (m *Memory) PublishReportDeleted(ctx context.Context, r model.Report, deletedBy string) error {
	return m.record(ctx, TypeReportDeleted, DeletedPayload{ReportID: r.ID, UserID: r.UserID, DeletedBy: deletedBy})
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []EventEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventEnvelope, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the type of each published event in order.
func (m *Memory) Types() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
