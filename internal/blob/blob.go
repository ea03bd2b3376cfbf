// Package blob is the seam to the external object store that holds attachment bytes.
package blob

//go:generate mockgen -source=blob.go -destination=mocks/mock_blob.go -package=mock_blob

import (
	"context"
	"errors"
)

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// Store persists opaque byte payloads under caller-chosen keys.
type Store interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key, contentType string, data []byte) error
	// URL returns a URL from which the object can be fetched.
	URL(ctx context.Context, key string) (string, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
