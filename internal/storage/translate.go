package storage

import (
	"errors"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
)

// Translate maps a Store error onto the service error taxonomy. Taxonomy
// errors raised inside a Mutation or Guard pass through unchanged; anything
// unrecognised becomes a retryable RPT_STORAGE carrying msg.
func Translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := errordefs.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return errordefs.New(errordefs.RPT_NOT_FOUND, "report not found", "")
	case errors.Is(err, ErrCategoryNotFound):
		return errordefs.New(errordefs.RPT_CATEGORY_NOT_FOUND, "category not found", "")
	case errors.Is(err, ErrConflict):
		return errordefs.Wrap(errordefs.RPT_CONFLICT, msg, err)
	default:
		return errordefs.Wrap(errordefs.RPT_STORAGE, msg, err)
	}
}
