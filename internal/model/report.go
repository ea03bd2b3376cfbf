// internal/model/report.go
// Package model defines the data structures used throughout the reports service.
// These structures represent the core domain objects for categories, reports,
// attachments and the status audit trail.
package model

import (
	"time"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
)

// MaxAttachmentBytes is the largest accepted attachment (5 MiB).
const MaxAttachmentBytes int64 = 5 * 1024 * 1024

// MaxListLimit bounds the number of reports returned by a single list or nearby call.
const MaxListLimit = 200

// Category is a reference row describing a kind of report.
// This corresponds to the categories table in storage.
type Category struct {
	ID          int64  `json:"id" db:"id"`                   // Stable numeric identifier
	Name        string `json:"name" db:"name"`               // Unique, non-empty display name
	Description string `json:"description" db:"description"` // Free-text description
}

// Attachment is the metadata of an image held in the blob store.
// It is created once and never mutated.
type Attachment struct {
	StorageKey  string `json:"storageKey" db:"attachment_key"`   // Blob store key
	ContentType string `json:"contentType" db:"attachment_type"` // Always image/*
	SizeBytes   int64  `json:"sizeBytes" db:"attachment_size"`   // Stored size in bytes
	URL         string `json:"url,omitempty" db:"-"`             // Resolved at read time, never persisted
}

// Severity is an optional, informational urgency level.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Report is a user-submitted record of an observed issue.
// This corresponds to the reports table in storage.
type Report struct {
	ID             string          `json:"id" db:"id"`                               // Assigned on creation
	UserID         string          `json:"userId" db:"user_id"`                      // Owner, from the authenticated caller
	CategoryID     int64           `json:"categoryId" db:"category_id"`              // References Category.ID
	Title          string          `json:"title" db:"title"`                         // At least 5 characters
	Description    string          `json:"description" db:"description"`             // At least 10 characters
	Severity       Severity        `json:"severity,omitempty" db:"severity"`         // Optional urgency
	Location       *geo.Coordinate `json:"location" db:"-"`                          // Nil when capture failed or was skipped
	AccuracyMeters *float64        `json:"accuracyMeters,omitempty" db:"accuracy_m"` // Reported GPS accuracy
	Attachment     *Attachment     `json:"attachment" db:"-"`                        // Optional image
	Status         Status          `json:"status" db:"status"`                       // Position in the status chain
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`                // Set by the store
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`                // Refreshed on every mutation
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r Report) Clone() Report {
	cp := r
	if r.Location != nil {
		loc := *r.Location
		cp.Location = &loc
	}
	if r.AccuracyMeters != nil {
		acc := *r.AccuracyMeters
		cp.AccuracyMeters = &acc
	}
	if r.Attachment != nil {
		att := *r.Attachment
		cp.Attachment = &att
	}
	return cp
}

// StatusChange is one append-only audit record of an accepted transition.
// This corresponds to the status_changes table in storage.
type StatusChange struct {
	ID         int64     `json:"id" db:"id"`                  // Monotonic per store
	ReportID   string    `json:"reportId" db:"report_id"`     // Report the change applies to
	FromStatus Status    `json:"fromStatus" db:"from_status"` // Status before the change
	ToStatus   Status    `json:"toStatus" db:"to_status"`     // Status after the change
	Note       string    `json:"note,omitempty" db:"note"`    // Optional free text
	ChangedAt  time.Time `json:"changedAt" db:"changed_at"`   // When the change committed
	ChangedBy  string    `json:"changedBy" db:"changed_by"`   // Actor user id
}

// ReportDetails is a report with its resolved category and ordered history.
type ReportDetails struct {
	Report   Report         `json:"report"`
	Category Category       `json:"category"`
	History  []StatusChange `json:"history"`
}

// NearbyReport is a proximity hit.
type NearbyReport struct {
	Report     Report  `json:"report"`
	DistanceKm float64 `json:"distanceKm"`
}

// ReportFilter holds the conjunctive filters shared by list and nearby.
type ReportFilter struct {
	Status     *Status // Match this status only
	CategoryID *int64  // Match this category only
	Limit      int     // 0 means MaxListLimit
}

// Matches reports whether r satisfies every set filter.
func (f ReportFilter) Matches(r Report) bool {
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.CategoryID != nil && r.CategoryID != *f.CategoryID {
		return false
	}
	return true
}

// EffectiveLimit clamps Limit to (0, MaxListLimit].
func (f ReportFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxListLimit {
		return MaxListLimit
	}
	return f.Limit
}

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	UserID   string // Opaque id from the authentication collaborator
	Reviewer bool   // May advance reports it does not own
}

// Authenticated reports whether an identity was supplied.
func (a Actor) Authenticated() bool { return a.UserID != "" }

// CategoryCount is one row of per-category statistics.
type CategoryCount struct {
	CategoryID int64  `json:"categoryId"`
	Name       string `json:"name"`
	Count      int64  `json:"count"`
}

// ReportStats summarises the report population.
type ReportStats struct {
	Total      int64            `json:"total"`
	ByStatus   map[Status]int64 `json:"byStatus"`
	ByCategory []CategoryCount  `json:"byCategory"`
}
