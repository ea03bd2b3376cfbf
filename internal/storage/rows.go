package storage

import (
	"time"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// reportRow is the flat, nullable column shape shared by the SQL backends.
type reportRow struct {
	id, userID, title, description string
	severity, status               string
	categoryID                     int64
	lat, lng, accuracy             *float64
	attKey, attType                *string
	attSize                        *int64
	createdAt, updatedAt           time.Time
}

func (rr reportRow) report() model.Report {
	r := model.Report{
		ID:             rr.id,
		UserID:         rr.userID,
		CategoryID:     rr.categoryID,
		Title:          rr.title,
		Description:    rr.description,
		Severity:       model.Severity(rr.severity),
		AccuracyMeters: rr.accuracy,
		Status:         model.Status(rr.status),
		CreatedAt:      rr.createdAt.UTC(),
		UpdatedAt:      rr.updatedAt.UTC(),
	}
	if rr.lat != nil && rr.lng != nil {
		r.Location = &geo.Coordinate{Lat: *rr.lat, Lng: *rr.lng}
	}
	if rr.attKey != nil {
		att := &model.Attachment{StorageKey: *rr.attKey}
		if rr.attType != nil {
			att.ContentType = *rr.attType
		}
		if rr.attSize != nil {
			att.SizeBytes = *rr.attSize
		}
		r.Attachment = att
	}
	return r
}

// reportArgs returns the positional values for id through status, in column order.
func reportArgs(r model.Report) []interface{} {
	var lat, lng *float64
	if r.Location != nil {
		lat, lng = &r.Location.Lat, &r.Location.Lng
	}
	var attKey, attType *string
	var attSize *int64
	if r.Attachment != nil {
		attKey, attType, attSize = &r.Attachment.StorageKey, &r.Attachment.ContentType, &r.Attachment.SizeBytes
	}
	return []interface{}{
		r.ID, r.UserID, r.CategoryID, r.Title, r.Description, string(r.Severity),
		lat, lng, r.AccuracyMeters, attKey, attType, attSize, string(r.Status),
	}
}
