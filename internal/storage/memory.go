// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu             sync.RWMutex                    // Protects concurrent access to maps
	categories     map[int64]*model.Category       // Map of category ID to category
	nextCategoryID int64                           // Last assigned category ID
	reports        map[string]*model.Report        // Map of report ID to report
	changes        map[string][]model.StatusChange // Map of report ID to its audit trail
	nextChangeID   int64                           // Last assigned status change ID
	index          *geo.Index                      // s2 cell index over located reports
	idempotency    map[string]*IdempotentResponse  // Map of key hash to idempotent responses
	now            func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		categories:  make(map[int64]*model.Category),
		reports:     make(map[string]*model.Report),
		changes:     make(map[string][]model.StatusChange),
		index:       geo.NewIndex(),
		idempotency: make(map[string]*IdempotentResponse),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *memory) CreateCategory(ctx context.Context, c model.Category) (*model.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.categories {
		if existing.Name == c.Name {
			return nil, ErrConflict
		}
	}
	if c.ID == 0 {
		m.nextCategoryID++
		c.ID = m.nextCategoryID
	} else if _, exists := m.categories[c.ID]; exists {
		return nil, ErrConflict
	} else if c.ID > m.nextCategoryID {
		m.nextCategoryID = c.ID
	}
	stored := c
	m.categories[c.ID] = &stored
	return &c, nil
}

func (m *memory) GetCategory(ctx context.Context, id int64) (*model.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.categories[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memory) ListCategories(ctx context.Context) ([]model.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Category, 0, len(m.categories))
	for _, c := range m.categories {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memory) CreateReport(ctx context.Context, r model.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reports[r.ID]; exists {
		return ErrConflict
	}
	if _, ok := m.categories[r.CategoryID]; !ok {
		return ErrCategoryNotFound
	}
	stored := r.Clone()
	m.reports[r.ID] = &stored
	if stored.Location != nil {
		m.index.Insert(stored.ID, *stored.Location)
	}
	return nil
}

func (m *memory) GetReport(ctx context.Context, id string) (*model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r.Clone()
	return &cp, nil
}

func (m *memory) ListReports(ctx context.Context, f model.ReportFilter) ([]model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Report, 0)
	for _, r := range m.reports {
		if f.Matches(*r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) ListReportsInBox(ctx context.Context, box geo.BoundingBox, f model.ReportFilter) ([]model.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Report, 0)
	for _, id := range m.index.Candidates(box) {
		r := m.reports[id]
		if r == nil || !f.Matches(*r) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *memory) UpdateReport(ctx context.Context, id string, fn Mutation) (*model.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, change, err := applyMutation(*current, fn, m.now())
	if err != nil {
		return nil, err
	}
	if change != nil {
		m.nextChangeID++
		change.ID = m.nextChangeID
		m.changes[id] = append(m.changes[id], *change)
	}
	m.reports[id] = &next
	if next.Location != nil {
		m.index.Insert(id, *next.Location)
	} else {
		m.index.Remove(id)
	}
	out := next.Clone()
	return &out, nil
}

func (m *memory) DeleteReport(ctx context.Context, id string, guard Guard) (*model.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	if guard != nil {
		if err := guard(current.Clone()); err != nil {
			return nil, err
		}
	}
	delete(m.reports, id)
	m.index.Remove(id)
	out := current.Clone()
	return &out, nil
}

func (m *memory) ListStatusChanges(ctx context.Context, reportID string) ([]model.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.changes[reportID]
	out := make([]model.StatusChange, len(history))
	copy(out, history)
	return out, nil
}

func (m *memory) ReportStats(ctx context.Context) (*model.ReportStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := emptyStats()
	perCategory := make(map[int64]int64)
	for _, r := range m.reports {
		stats.Total++
		stats.ByStatus[r.Status]++
		perCategory[r.CategoryID]++
	}
	for _, c := range m.categories {
		stats.ByCategory = append(stats.ByCategory, model.CategoryCount{
			CategoryID: c.ID,
			Name:       c.Name,
			Count:      perCategory[c.ID],
		})
	}
	sort.Slice(stats.ByCategory, func(i, j int) bool { return stats.ByCategory[i].Name < stats.ByCategory[j].Name })
	return stats, nil
}

// ClaimIdempotencyKey inserts a pending entry unless an unexpired one exists.
func (m *memory) ClaimIdempotencyKey(ctx context.Context, keyHash, requestHash string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idempotency[keyHash]; ok && m.now().Before(existing.ExpiresAt) {
		return false, nil
	}
	m.idempotency[keyHash] = &IdempotentResponse{RequestHash: requestHash, ExpiresAt: expiresAt}
	return true, nil
}

func (m *memory) ReleaseIdempotencyKey(ctx context.Context, keyHash, requestHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idempotency[keyHash]; ok && existing.RequestHash == requestHash && existing.Pending() {
		delete(m.idempotency, keyHash)
	}
	return nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idempotency[keyHash]; ok && existing.RequestHash != requestHash && m.now().Before(existing.ExpiresAt) {
		return ErrConflict
	}

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		RequestHash:  requestHash,
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	response, exists := m.idempotency[keyHash]
	if !exists || !m.now().Before(response.ExpiresAt) {
		return nil, ErrNotFound
	}

	cp := *response
	cp.ResponseBody = make([]byte, len(response.ResponseBody))
	copy(cp.ResponseBody, response.ResponseBody)
	return &cp, nil
}

func (m *memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *memory) Close() {}
