// internal/server/categories.go
package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
)

// handleListCategories handles GET /v1/categories
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.cats.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, cats)
}

// handleGetCategory handles GET /v1/categories/{id}
func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, r, errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "category id must be an integer", "",
			map[string]interface{}{"id": raw}))
		return
	}
	c, err := s.cats.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, c)
}

// handleStats handles GET /v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reports.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}
