// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for in-memory, PostgreSQL and SQLite storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound         = errors.New("not found")          // Returned when a row is not found
	ErrConflict         = errors.New("conflict")           // Returned when a row already exists
	ErrCategoryNotFound = errors.New("category not found") // Returned when a report references an unknown category
)

// Mutation edits a report under its row lock. It may return an audit record to
// append in the same transaction; returning an error aborts without writing.
// Changes to ID, UserID and CreatedAt are discarded.
type Mutation func(r *model.Report) (*model.StatusChange, error)

// Guard inspects a report under its row lock before it is deleted.
type Guard func(r model.Report) error

// Store interface defines the persistence operations required by the reports service.
// Writes to a single report are serialized; reads may observe a slightly stale snapshot.
type Store interface {
	// Category operations
	CreateCategory(ctx context.Context, c model.Category) (*model.Category, error) // Insert; ErrConflict on duplicate name
	GetCategory(ctx context.Context, id int64) (*model.Category, error)            // ErrNotFound when absent
	ListCategories(ctx context.Context) ([]model.Category, error)                  // Ordered by name

	// Report operations
	CreateReport(ctx context.Context, r model.Report) error                                                    // Atomic insert; ErrCategoryNotFound, ErrConflict
	GetReport(ctx context.Context, id string) (*model.Report, error)                                           // ErrNotFound when absent
	ListReports(ctx context.Context, f model.ReportFilter) ([]model.Report, error)                             // createdAt desc, capped by f.EffectiveLimit
	ListReportsInBox(ctx context.Context, box geo.BoundingBox, f model.ReportFilter) ([]model.Report, error)   // Located reports in box, unordered, limit ignored
	UpdateReport(ctx context.Context, id string, fn Mutation) (*model.Report, error)                           // Serialized read-modify-write
	DeleteReport(ctx context.Context, id string, guard Guard) (*model.Report, error)                           // Returns the deleted row
	ListStatusChanges(ctx context.Context, reportID string) ([]model.StatusChange, error)                      // Oldest first
	ReportStats(ctx context.Context) (*model.ReportStats, error)                                               // Totals by status and category

	// Idempotency operations
	ClaimIdempotencyKey(ctx context.Context, keyHash, requestHash string, expiresAt time.Time) (bool, error) // Reserves an absent or expired key
	ReleaseIdempotencyKey(ctx context.Context, keyHash, requestHash string) error                            // Drops a pending claim
	StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash string) (*IdempotentResponse, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	RequestHash  string    // Hash of the request that produced the response
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}

// Pending reports whether the key is claimed but no response is stored yet.
func (r *IdempotentResponse) Pending() bool { return r.StatusCode == 0 }

// emptyStats returns stats with every status key present.
func emptyStats() *model.ReportStats {
	stats := &model.ReportStats{ByStatus: make(map[model.Status]int64, len(model.StatusChain))}
	for _, s := range model.StatusChain {
		stats.ByStatus[s] = 0
	}
	stats.ByCategory = []model.CategoryCount{}
	return stats
}

// applyMutation runs fn against a copy of current and restores the immutable
// fields. It returns the new report and the stamped audit record, if any.
func applyMutation(current model.Report, fn Mutation, now time.Time) (model.Report, *model.StatusChange, error) {
	next := current.Clone()
	change, err := fn(&next)
	if err != nil {
		return model.Report{}, nil, err
	}
	next.ID = current.ID
	next.UserID = current.UserID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	if change != nil {
		change.ReportID = current.ID
		change.ChangedAt = now
	}
	return next, change, nil
}
