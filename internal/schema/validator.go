// internal/schema/validator.go
// Package schema provides JSON schema validation for request bodies.
// It checks the shape of a body (field names and types) before it is decoded
// into an input struct; value rules such as lengths and coordinate ranges are
// enforced by the services.
package schema

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
)

// Body names accepted by Validate.
const (
	ReportCreate = "report.create"
	StatusChange = "report.status"
)

// Version is reported alongside validation failures.
const Version = "1.0.0"

var bodies = map[string]string{
	ReportCreate: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["title", "description", "categoryId"],
		"properties": {
			"title": {"type": "string"},
			"description": {"type": "string"},
			"categoryId": {"type": "integer"},
			"severity": {"type": "string"},
			"location": {
				"type": ["object", "null"],
				"additionalProperties": false,
				"properties": {
					"lat": {"type": ["number", "null"]},
					"lng": {"type": ["number", "null"]},
					"accuracyMeters": {"type": ["number", "null"]}
				}
			}
		}
	}`,
	StatusChange: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["status"],
		"properties": {
			"status": {"type": "string"},
			"note": {"type": "string"}
		}
	}`,
}

// Validator validates request bodies against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles every known body schema. m may be nil.
func NewValidator(m *metrics.Metrics) (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema, len(bodies)),
		metrics: m,
	}
	for name, src := range bodies {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate checks raw against the named schema. Malformed JSON yields
// RPT_BAD_REQUEST; schema violations yield RPT_VALIDATION with one detail
// entry per offending field.
func (v *Validator) Validate(name string, raw []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return errordefs.New(errordefs.RPT_INTERNAL, "unknown schema "+name, "")
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		v.record(name, "malformed")
		return errordefs.Wrap(errordefs.RPT_BAD_REQUEST, "request body is not valid JSON", err)
	}
	if result.Valid() {
		v.record(name, "ok")
		return nil
	}

	v.record(name, "invalid")
	fields := make(map[string]string, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if desc.Type() == "required" {
			if p, ok := desc.Details()["property"].(string); ok {
				field = p
			}
		}
		if _, seen := fields[field]; !seen {
			fields[field] = desc.Description()
		}
	}
	return errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "request body does not match schema", "", map[string]interface{}{
		"schema":  name,
		"version": Version,
		"fields":  fields,
	})
}

// Names lists the known body schemas.
func Names() []string {
	names := make([]string, 0, len(bodies))
	for n := range bodies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (v *Validator) record(name, status string) {
	if v.metrics != nil {
		v.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
	}
}
