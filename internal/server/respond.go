// internal/server/respond.go
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
)

// writeSuccess writes a successful response
func writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// successBody renders the body writeSuccess would produce, for idempotent replay.
func successBody(data interface{}) ([]byte, error) {
	b, err := json.Marshal(map[string]interface{}{"data": data})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// writeError writes an error response following the RPT error taxonomy.
// Errors outside the taxonomy are reported as RPT_INTERNAL without leaking
// their text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := telemetry.CorrelationID(r.Context())
	e, ok := errordefs.As(err)
	if !ok {
		e = errordefs.New(errordefs.RPT_INTERNAL, "internal error", "")
	}
	e = e.WithCorrelationID(correlationID)

	if e.HTTPStatus >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("correlation_id", correlationID),
			slog.String("code", string(e.Code)),
			slog.String("error", err.Error()))
	}

	body := map[string]interface{}{
		"code":          e.Code,
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	if e.Code == errordefs.RPT_STORAGE {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
