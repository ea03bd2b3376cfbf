// internal/report/input.go
package report

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// LocationInput is the optional capture point of a new report. Lat and Lng
// are pointers so a half-filled location can be told apart from an absent one.
type LocationInput struct {
	Lat            *float64 `json:"lat"`
	Lng            *float64 `json:"lng"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty" validate:"omitempty,gte=0"`
}

// CreateInput is the caller-supplied draft of a report. Title and description
// lengths are counted in runes after trimming. CategoryID is resolved against
// the store, so any id without a category is RPT_CATEGORY_NOT_FOUND.
type CreateInput struct {
	Title       string         `json:"title" validate:"required,min=5"`
	Description string         `json:"description" validate:"required,min=10"`
	CategoryID  int64          `json:"categoryId"`
	Severity    model.Severity `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Location    *LocationInput `json:"location,omitempty"`
}

var validate = validator.New()

// normalize trims the free-text fields in place.
func (in *CreateInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Severity = model.Severity(strings.ToLower(strings.TrimSpace(string(in.Severity))))
}

// check validates field rules and resolves the coordinate. Coordinate
// problems are reported as RPT_INVALID_GEO, everything else as RPT_VALIDATION.
func (in *CreateInput) check() (*geo.Coordinate, *float64, error) {
	in.normalize()
	if err := validate.Struct(in); err != nil {
		return nil, nil, validationError(err)
	}
	if in.Location == nil {
		return nil, nil, nil
	}
	loc, err := geo.FromParts(in.Location.Lat, in.Location.Lng)
	if err != nil {
		return nil, nil, err
	}
	if loc == nil {
		return nil, nil, nil
	}
	return loc, in.Location.AccuracyMeters, nil
}

// validationError flattens validator output into RPT_VALIDATION details
// keyed by JSON field name.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errordefs.Wrap(errordefs.RPT_VALIDATION, "invalid input", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[jsonField(fe.Field())] = describe(fe)
	}
	return errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "invalid input", "", map[string]interface{}{"fields": fields})
}

func jsonField(name string) string {
	switch name {
	case "AccuracyMeters":
		return "location.accuracyMeters"
	}
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "gte":
		return "must not be negative"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}
