package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePutURLDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir, "/media/")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "1700000000000_01ARZ.jpg", "image/jpeg", []byte("jpeg-bytes")))

	data, err := os.ReadFile(filepath.Join(dir, "1700000000000_01ARZ.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	u, err := s.URL(ctx, "1700000000000_01ARZ.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/media/1700000000000_01ARZ.jpg", u)

	require.NoError(t, s.Delete(ctx, "1700000000000_01ARZ.jpg"))
	_, err = os.Stat(filepath.Join(dir, "1700000000000_01ARZ.jpg"))
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	assert.NoError(t, s.Delete(ctx, "1700000000000_01ARZ.jpg"))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir(), "/media")
	require.NoError(t, err)

	for _, key := range []string{"", "../escape.jpg", "nested/key.jpg", "..", `..\x.jpg`} {
		assert.ErrorIs(t, s.Put(ctx, key, "image/png", []byte("x")), ErrInvalidKey, key)
		assert.ErrorIs(t, s.Delete(ctx, key), ErrInvalidKey, key)
		_, err := s.URL(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestLocalStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir, "")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "a.png", "image/png", []byte("png")))
	require.NoError(t, s.Put(ctx, "a.png", "image/png", []byte("png2")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.png", entries[0].Name())
}
