// internal/attachment/gateway.go
// Package attachment validates incoming report photos and hands accepted
// bytes to the blob store under a collision-resistant key.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/blob"
	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/imaging"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// File is an uploaded attachment as received from the transport.
type File struct {
	Name        string // Original filename, may be empty
	ContentType string // Declared media type
	SizeBytes   int64  // Declared size, 0 when unknown
	Data        []byte
}

// Gateway accepts, resolves and removes report attachments.
type Gateway struct {
	blobs   blob.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	maxDim  int
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxDimension enables downscaling of images wider or taller than px.
func WithMaxDimension(px int) Option {
	return func(g *Gateway) { g.maxDim = px }
}

// WithMetrics records accepted attachment sizes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock overrides the time source used for storage keys.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a Gateway writing to blobs.
func NewGateway(blobs blob.Store, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		blobs:  blobs,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate checks the size limit and media type of f without touching storage.
// Size is checked first so an oversized non-image reports ATTACHMENT_TOO_LARGE.
func (g *Gateway) Validate(f *File) error {
	if f == nil {
		return errordefs.New(errordefs.RPT_VALIDATION, "attachment is required", "")
	}
	size := f.SizeBytes
	if n := int64(len(f.Data)); n > size {
		size = n
	}
	if size > model.MaxAttachmentBytes {
		return errordefs.NewWithDetails(errordefs.RPT_ATTACHMENT_TOO_LARGE, "attachment exceeds 5 MiB", "", map[string]interface{}{
			"sizeBytes": size,
			"maxBytes":  model.MaxAttachmentBytes,
		})
	}
	ct := normalizeContentType(f.ContentType)
	if !strings.HasPrefix(ct, "image/") {
		return errordefs.NewWithDetails(errordefs.RPT_UNSUPPORTED_MEDIA_TYPE, "attachment must be an image", "", map[string]interface{}{
			"contentType": f.ContentType,
		})
	}
	if len(f.Data) == 0 {
		return errordefs.New(errordefs.RPT_VALIDATION, "attachment is empty", "")
	}
	return nil
}

// Accept validates f, optionally downscales it and stores it under a fresh key.
// The URL is left empty; resolve it with URLFor when serving the record.
func (g *Gateway) Accept(ctx context.Context, f *File) (*model.Attachment, error) {
	if err := g.Validate(f); err != nil {
		return nil, err
	}
	ct := normalizeContentType(f.ContentType)
	data := f.Data

	if g.maxDim > 0 {
		res, err := imaging.Downscale(data, ct, g.maxDim)
		if err != nil {
			g.logger.WarnContext(ctx, "attachment downscale failed, storing original",
				slog.String("content_type", ct),
				slog.String("error", err.Error()))
		} else {
			data, ct = res.Data, res.ContentType
		}
	}

	key := g.newKey(f.Name, ct)
	if err := g.blobs.Put(ctx, key, ct, data); err != nil {
		return nil, errordefs.Wrap(errordefs.RPT_STORAGE, "failed to store attachment", err)
	}
	if g.metrics != nil {
		g.metrics.AttachmentBytes.Observe(float64(len(data)))
	}

	return &model.Attachment{
		StorageKey:  key,
		ContentType: ct,
		SizeBytes:   int64(len(data)),
	}, nil
}

// URLFor resolves a fetchable URL for att. It returns "" for nil attachments
// and when the blob store cannot produce one.
func (g *Gateway) URLFor(ctx context.Context, att *model.Attachment) string {
	if att == nil || att.StorageKey == "" {
		return ""
	}
	u, err := g.blobs.URL(ctx, att.StorageKey)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to resolve attachment url",
			slog.String("key", att.StorageKey),
			slog.String("error", err.Error()))
		return ""
	}
	return u
}

// Remove deletes the bytes behind att. A nil attachment is a no-op.
func (g *Gateway) Remove(ctx context.Context, att *model.Attachment) error {
	if att == nil || att.StorageKey == "" {
		return nil
	}
	if err := g.blobs.Delete(ctx, att.StorageKey); err != nil {
		return errordefs.Wrap(errordefs.RPT_STORAGE, "failed to delete attachment", err)
	}
	return nil
}

// newKey builds "<unix millis>_<ulid><ext>". The ULID's random component keeps
// keys unique across concurrent uploads within the same millisecond.
func (g *Gateway) newKey(name, contentType string) string {
	now := g.now()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return fmt.Sprintf("%d_%s%s", now.UnixMilli(), strings.ToLower(id.String()), extensionFor(name, contentType))
}

func normalizeContentType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// extensionFor prefers the uploaded filename's extension and falls back to
// one derived from the media type.
func extensionFor(name, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(name)); isSafeExt(ext) {
		return ext
	}
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	default:
		return ".img"
	}
}

func isSafeExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 || ext[0] != '.' {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
