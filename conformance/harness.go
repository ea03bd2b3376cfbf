// Package conformance provides a black-box harness for verifying that a
// reports service deployment honors the report lifecycle contract.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/attachment"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/blob"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/category"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/event"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/proximity"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/report"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/server"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/workflow"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// Store backs the service under test. Nil uses the in-memory store.
	Store storage.Store

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// JWKS verifies bearer tokens. Nil accepts unverified test tokens, which
	// the built-in suite relies on.
	JWKS *jwks.Client
}

// Harness serves the full report stack over a loopback HTTP server.
type Harness struct {
	server   *httptest.Server
	store    storage.Store
	events   *event.Memory
	mediaDir string
	cfg      Config
	category int64
}

// NewHarness wires the service and seeds the default categories.
func NewHarness(cfg Config) (*Harness, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store := cfg.Store
	if store == nil {
		store = storage.NewMemory()
	}

	mediaDir, err := os.MkdirTemp("", "reports-conformance-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	blobs, err := blob.NewLocal(mediaDir, "/media")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	registry := category.NewRegistry(store, category.NoopCache{}, time.Minute, nil, logger)
	if _, err := registry.Seed(ctx, category.Defaults); err != nil {
		return nil, fmt.Errorf("failed to seed categories: %w", err)
	}
	cats, err := registry.List(ctx)
	if err != nil || len(cats) == 0 {
		return nil, fmt.Errorf("no categories after seeding: %v", err)
	}

	schemas, err := schema.NewValidator(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	keys := cfg.JWKS
	if keys == nil {
		keys = jwks.NewTestClient()
	}

	events := event.NewMemory()
	gw := attachment.NewGateway(blobs, logger)
	srv := server.New(server.Deps{
		Store:       store,
		Reports:     report.NewService(store, gw, events, logger),
		Workflow:    workflow.NewEngine(store, events, nil, logger),
		Nearby:      proximity.NewService(store, gw, nil),
		Categories:  registry,
		Attachments: gw,
		Schemas:     schemas,
		Auth:        jwks.NewAuthenticator(keys, cfg.JWTIssuer, cfg.JWTAudience, nil),
		Logger:      logger,
		MediaDir:    mediaDir,
	})

	return &Harness{
		server:   httptest.NewServer(srv),
		store:    store,
		events:   events,
		mediaDir: mediaDir,
		cfg:      cfg,
		category: cats[0].ID,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = os.RemoveAll(h.mediaDir)
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("AttachmentLimit", h.testAttachmentLimit)
	t.Run("CoordinateRange", h.testCoordinateRange)
	t.Run("UnknownCategory", h.testUnknownCategory)
	t.Run("StatusChain", h.testStatusChain)
	t.Run("NearbyRadius", h.testNearbyRadius)
	t.Run("DeleteAuthorization", h.testDeleteAuthorization)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Harness) token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwks.MintTestToken(sub, h.cfg.JWTIssuer, h.cfg.JWTAudience, nil, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (h *Harness) do(t *testing.T, method, path, auth, contentType string, body io.Reader) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, body)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func (h *Harness) create(t *testing.T, auth, location string) model.Report {
	t.Helper()
	body := fmt.Sprintf(`{"title":"Streetlight out","description":"Lamp post dark for three nights","categoryId":%d%s}`, h.category, location)
	status, env := h.do(t, http.MethodPost, "/v1/reports", auth, "application/json", bytes.NewBufferString(body))
	require.Equal(t, http.StatusCreated, status)
	var r model.Report
	require.NoError(t, json.Unmarshal(env.Data, &r))
	return r
}

func (h *Harness) total(t *testing.T) int64 {
	t.Helper()
	status, env := h.do(t, http.MethodGet, "/v1/stats", "", "", nil)
	require.Equal(t, http.StatusOK, status)
	var stats model.ReportStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	return stats.Total
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		status, _ := h.do(t, http.MethodGet, path, "", "", nil)
		assert.Equal(t, http.StatusOK, status, path)
	}
}

// testAttachmentLimit accepts an image of exactly 5 MiB and rejects one byte more.
func (h *Harness) testAttachmentLimit(t *testing.T) {
	auth := h.token(t, "limit-user")
	payload := fmt.Sprintf(`{"title":"Graffiti on wall","description":"Fresh paint across the underpass","categoryId":%d}`, h.category)
	upload := func(size int64) (int, envelope) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("payload", payload))
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="image"; filename="wall.jpg"`)
		hdr.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(make([]byte, size))
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		return h.do(t, http.MethodPost, "/v1/reports", auth, mw.FormDataContentType(), &buf)
	}

	before := h.total(t)
	status, env := upload(model.MaxAttachmentBytes)
	require.Equal(t, http.StatusCreated, status)
	var r model.Report
	require.NoError(t, json.Unmarshal(env.Data, &r))
	require.NotNil(t, r.Attachment)
	assert.Equal(t, model.MaxAttachmentBytes, r.Attachment.SizeBytes)

	status, env = upload(model.MaxAttachmentBytes + 1)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RPT_ATTACHMENT_TOO_LARGE", env.Error.Code)
	assert.Equal(t, before+1, h.total(t))
}

// testCoordinateRange rejects a latitude outside [-90, 90].
func (h *Harness) testCoordinateRange(t *testing.T) {
	body := fmt.Sprintf(`{"title":"Broken bench","description":"Slats missing from the park bench","categoryId":%d,"location":{"lat":91,"lng":0}}`, h.category)
	before := h.total(t)
	status, env := h.do(t, http.MethodPost, "/v1/reports", h.token(t, "geo-user"), "application/json", bytes.NewBufferString(body))
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RPT_INVALID_GEO", env.Error.Code)
	assert.Equal(t, before, h.total(t))
}

// testUnknownCategory persists nothing when the category does not exist.
func (h *Harness) testUnknownCategory(t *testing.T) {
	body := `{"title":"Fallen tree","description":"Tree blocking the cycle lane","categoryId":987654}`
	before := h.total(t)
	status, env := h.do(t, http.MethodPost, "/v1/reports", h.token(t, "cat-user"), "application/json", bytes.NewBufferString(body))
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RPT_CATEGORY_NOT_FOUND", env.Error.Code)
	assert.Equal(t, before, h.total(t))
}

// testStatusChain walks the chain forward, then checks completed is terminal
// and the history records every step.
func (h *Harness) testStatusChain(t *testing.T) {
	auth := h.token(t, "chain-user")
	r := h.create(t, auth, "")
	path := "/v1/reports/" + r.ID + "/status"

	status, env := h.do(t, http.MethodPatch, path, auth, "application/json", bytes.NewBufferString(`{"status":"fixing"}`))
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RPT_INVALID_TRANSITION", env.Error.Code)

	for _, next := range []model.Status{model.StatusInProgress, model.StatusFixing, model.StatusCompleted} {
		status, env = h.do(t, http.MethodPatch, path, auth, "application/json", bytes.NewBufferString(fmt.Sprintf(`{"status":%q}`, next)))
		require.Equal(t, http.StatusOK, status, next)
		var updated model.Report
		require.NoError(t, json.Unmarshal(env.Data, &updated))
		assert.Equal(t, next, updated.Status)
	}

	for _, next := range []model.Status{model.StatusPending, model.StatusInProgress, model.StatusCompleted} {
		status, env = h.do(t, http.MethodPatch, path, auth, "application/json", bytes.NewBufferString(fmt.Sprintf(`{"status":%q}`, next)))
		assert.Equal(t, http.StatusBadRequest, status, next)
		require.NotNil(t, env.Error)
		assert.Equal(t, "RPT_INVALID_TRANSITION", env.Error.Code)
	}

	status, env = h.do(t, http.MethodGet, "/v1/reports/"+r.ID, "", "", nil)
	require.Equal(t, http.StatusOK, status)
	var details model.ReportDetails
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, model.StatusCompleted, details.Report.Status)
	require.Len(t, details.History, 3)
	assert.Equal(t, model.StatusPending, details.History[0].FromStatus)
	assert.Equal(t, model.StatusCompleted, details.History[2].ToStatus)
}

// testNearbyRadius places reports 0, 0.5 and 50 km from a center and queries
// a 1 km radius.
func (h *Harness) testNearbyRadius(t *testing.T) {
	auth := h.token(t, "nearby-user")
	const lat, lng = -33.8688, 151.2093
	at := h.create(t, auth, fmt.Sprintf(`,"location":{"lat":%f,"lng":%f}`, lat, lng))
	half := h.create(t, auth, fmt.Sprintf(`,"location":{"lat":%f,"lng":%f}`, lat+0.0045, lng))
	h.create(t, auth, fmt.Sprintf(`,"location":{"lat":%f,"lng":%f}`, lat+0.45, lng))

	status, env := h.do(t, http.MethodGet, fmt.Sprintf("/v1/reports/nearby?lat=%f&lng=%f&radiusKm=1", lat, lng), "", "", nil)
	require.Equal(t, http.StatusOK, status)
	var hits []model.NearbyReport
	require.NoError(t, json.Unmarshal(env.Data, &hits))
	require.Len(t, hits, 2)
	assert.Equal(t, at.ID, hits[0].Report.ID)
	assert.InDelta(t, 0, hits[0].DistanceKm, 1e-6)
	assert.Equal(t, half.ID, hits[1].Report.ID)
	assert.InDelta(t, 0.5, hits[1].DistanceKm, 0.01)

	status, env = h.do(t, http.MethodGet, fmt.Sprintf("/v1/reports/nearby?lat=%f&lng=%f&radiusKm=0", lat, lng), "", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RPT_INVALID_RADIUS", env.Error.Code)
}

// testDeleteAuthorization checks a stranger cannot delete and nothing changes.
func (h *Harness) testDeleteAuthorization(t *testing.T) {
	r := h.create(t, h.token(t, "owner-user"), "")
	before := h.total(t)

	status, env := h.do(t, http.MethodDelete, "/v1/reports/"+r.ID, h.token(t, "stranger"), "", nil)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RPT_FORBIDDEN", env.Error.Code)
	assert.Equal(t, before, h.total(t))

	status, _ = h.do(t, http.MethodGet, "/v1/reports/"+r.ID, "", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.do(t, http.MethodDelete, "/v1/reports/"+r.ID, h.token(t, "owner-user"), "", nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, before-1, h.total(t))
}
