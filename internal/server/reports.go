// internal/server/reports.go
package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/attachment"
	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/geo"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/proximity"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/report"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/telemetry"
)

const (
	// maxJSONBody bounds plain JSON request bodies.
	maxJSONBody = 1 << 20
	// maxMultipartBody leaves room for the payload part and multipart framing
	// around an attachment at the size limit.
	maxMultipartBody = model.MaxAttachmentBytes + 1<<20
	// multipartMemory is the part of a multipart body kept in memory.
	multipartMemory = 8 << 20

	// IdempotencyHeader names the client-supplied request id for report creation.
	IdempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"

	imageField   = "image"
	payloadField = "payload"
)

// requireActor rejects anonymous callers of mutating endpoints before the
// body is read.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor := actorFrom(r.Context())
	if !actor.Authenticated() {
		s.writeError(w, r, errordefs.New(errordefs.RPT_UNAUTHENTICATED, "authentication required", ""))
		return actor, false
	}
	return actor, true
}

// handleCreateReport handles POST /v1/reports with a JSON body or a multipart
// body carrying a payload part and an optional image part.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleCreateReport")
	defer span.End()
	r = r.WithContext(ctx)

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	raw, file, err := s.readCreateBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.schemas.Validate(schema.ReportCreate, raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in report.CreateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		s.writeError(w, r, errordefs.Wrap(errordefs.RPT_BAD_REQUEST, "invalid report payload", err))
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	span.SetAttributes(attribute.Bool("has_idempotency_key", key != ""), attribute.Bool("has_image", file != nil))

	var keyHash, requestHash string
	if key != "" {
		keyHash = hashParts(actor.UserID, key)
		requestHash = hashParts(string(raw), imageBytes(file))
		claimed, err := s.store.ClaimIdempotencyKey(ctx, keyHash, requestHash, s.now().Add(idempotencyClaimTTL))
		if err != nil {
			s.writeError(w, r, storage.Translate(err, "failed to claim idempotency key"))
			return
		}
		if !claimed {
			s.replay(w, r, keyHash, requestHash)
			return
		}
	}

	created, err := s.reports.Create(ctx, actor, in, file)
	if err != nil {
		if key != "" {
			if rerr := s.store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), keyHash, requestHash); rerr != nil {
				s.logger.WarnContext(ctx, "failed to release idempotency key", slog.String("error", rerr.Error()))
			}
		}
		s.writeError(w, r, err)
		return
	}

	if key == "" {
		writeSuccess(w, http.StatusCreated, created)
		return
	}
	body, err := successBody(created)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expires := s.now().Add(IdempotencyTTL)
	if err := s.store.StoreIdempotentResponse(ctx, keyHash, requestHash, body, http.StatusCreated, expires); err != nil {
		s.logger.WarnContext(ctx, "failed to store idempotent response",
			slog.String("report_id", created.ID), slog.String("error", err.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// replay answers a request whose key is already held: the cached response
// when it is complete, otherwise a conflict.
func (s *Server) replay(w http.ResponseWriter, r *http.Request, keyHash, requestHash string) {
	cached, err := s.store.GetIdempotentResponse(r.Context(), keyHash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, r, errordefs.New(errordefs.RPT_CONFLICT, "idempotency key was released, retry the request", ""))
		return
	case err != nil:
		s.writeError(w, r, storage.Translate(err, "failed to read idempotency cache"))
		return
	case cached.RequestHash != requestHash:
		s.writeError(w, r, errordefs.New(errordefs.RPT_CONFLICT, "idempotency key reused with a different request", ""))
		return
	case cached.Pending():
		s.writeError(w, r, errordefs.New(errordefs.RPT_CONFLICT, "a request with this idempotency key is in progress", ""))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.ResponseBody)
}

// readCreateBody returns the raw JSON payload and the optional image.
func (s *Server) readCreateBody(w http.ResponseWriter, r *http.Request) ([]byte, *attachment.File, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
		if err != nil {
			return nil, nil, bodyError(err, "failed to read request body")
		}
		return raw, nil, nil
	}

	form, err := parseMultipart(w, r)
	if err != nil {
		return nil, nil, err
	}
	defer form.RemoveAll()
	var raw []byte
	if vals := form.Value[payloadField]; len(vals) > 0 {
		raw = []byte(vals[0])
	} else if fhs := form.File[payloadField]; len(fhs) > 0 {
		if raw, err = readPart(fhs[0], maxJSONBody); err != nil {
			return nil, nil, err
		}
	} else {
		return nil, nil, errordefs.New(errordefs.RPT_BAD_REQUEST, "multipart body requires a payload part", "")
	}

	var file *attachment.File
	if fhs := form.File[imageField]; len(fhs) > 0 {
		if file, err = readImage(fhs[0]); err != nil {
			return nil, nil, err
		}
	}
	return raw, file, nil
}

func parseMultipart(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxMultipartBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, bodyError(err, "invalid multipart body")
	}
	return r.MultipartForm, nil
}

// bodyError maps an oversized body onto ATTACHMENT_TOO_LARGE and anything
// else onto BAD_REQUEST.
func bodyError(err error, msg string) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return errordefs.NewWithDetails(errordefs.RPT_ATTACHMENT_TOO_LARGE, "request body too large", "",
			map[string]interface{}{"maxBytes": model.MaxAttachmentBytes})
	}
	return errordefs.Wrap(errordefs.RPT_BAD_REQUEST, msg, err)
}

func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errordefs.Wrap(errordefs.RPT_BAD_REQUEST, "failed to open multipart part", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.RPT_BAD_REQUEST, "failed to read multipart part", err)
	}
	return data, nil
}

// readImage loads an image part. At most one byte past the limit is read so
// the gateway can still report the size violation. A missing part content
// type is sniffed from the bytes.
func readImage(fh *multipart.FileHeader) (*attachment.File, error) {
	data, err := readPart(fh, model.MaxAttachmentBytes)
	if err != nil {
		return nil, err
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(data)
	}
	return &attachment.File{
		Name:        fh.Filename,
		ContentType: ct,
		SizeBytes:   fh.Size,
		Data:        data,
	}, nil
}

func imageBytes(f *attachment.File) string {
	if f == nil {
		return ""
	}
	return string(f.Data)
}

// hashParts hashes NUL-separated parts into a hex digest.
func hashParts(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// handleGetReport handles GET /v1/reports/{id}
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	details, err := s.reports.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, details)
}

// handleListReports handles GET /v1/reports?status=&category=&limit=
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reports, err := s.reports.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, reports)
}

// handleNearby handles GET /v1/reports/nearby?lat=&lng=&radiusKm=
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	center, err := parseCenter(q.Get("lat"), q.Get("lng"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := proximity.DefaultRadiusKm
	if v := q.Get("radiusKm"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, r, errordefs.NewWithDetails(errordefs.RPT_INVALID_RADIUS, "radiusKm must be a number", "",
				map[string]interface{}{"radiusKm": v}))
			return
		}
	}
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hits, err := s.nearby.Nearby(r.Context(), center, radius, f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, hits)
}

func parseCenter(lat, lng string) (geo.Coordinate, error) {
	if lat == "" || lng == "" {
		return geo.Coordinate{}, errordefs.New(errordefs.RPT_INVALID_GEO, "lat and lng are required", "")
	}
	la, errLat := strconv.ParseFloat(lat, 64)
	ln, errLng := strconv.ParseFloat(lng, 64)
	if errLat != nil || errLng != nil {
		return geo.Coordinate{}, errordefs.NewWithDetails(errordefs.RPT_INVALID_GEO, "lat and lng must be numbers", "",
			map[string]interface{}{"lat": lat, "lng": lng})
	}
	return geo.Coordinate{Lat: la, Lng: ln}, nil
}

// parseFilter reads the status, category and limit query parameters.
func parseFilter(r *http.Request) (model.ReportFilter, error) {
	q := r.URL.Query()
	var f model.ReportFilter
	if v := q.Get("status"); v != "" {
		st := model.Status(v)
		f.Status = &st
	}
	if v := q.Get("category"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "category must be an integer", "",
				map[string]interface{}{"category": v})
		}
		f.CategoryID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errordefs.NewWithDetails(errordefs.RPT_VALIDATION, "limit must be an integer", "",
				map[string]interface{}{"limit": v})
		}
		f.Limit = n
	}
	return f, nil
}

type transitionRequest struct {
	Status model.Status `json:"status"`
	Note   string       `json:"note"`
}

// handleTransition handles PATCH /v1/reports/{id}/status
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, span := telemetry.Tracer().Start(r.Context(), "handleTransition", trace.WithAttributes(attribute.String("report.id", id)))
	defer span.End()
	r = r.WithContext(ctx)

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		s.writeError(w, r, bodyError(err, "failed to read request body"))
		return
	}
	if err := s.schemas.Validate(schema.StatusChange, raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&req); err != nil {
		s.writeError(w, r, errordefs.Wrap(errordefs.RPT_BAD_REQUEST, "invalid status payload", err))
		return
	}

	updated, err := s.flow.Transition(ctx, actor, id, req.Status, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if updated.Attachment != nil && s.gateway != nil {
		updated.Attachment.URL = s.gateway.URLFor(ctx, updated.Attachment)
	}
	writeSuccess(w, http.StatusOK, updated)
}

// handleReplaceAttachment handles PUT /v1/reports/{id}/attachment
func (s *Server) handleReplaceAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	form, err := parseMultipart(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer form.RemoveAll()
	fhs := form.File[imageField]
	if len(fhs) == 0 {
		s.writeError(w, r, errordefs.New(errordefs.RPT_VALIDATION, "image part is required", ""))
		return
	}
	file, err := readImage(fhs[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.reports.ReplaceAttachment(r.Context(), actor, chi.URLParam(r, "id"), file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, updated)
}

// handleDeleteReport handles DELETE /v1/reports/{id}
func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.reports.Delete(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
