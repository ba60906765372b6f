package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cellmaps-embedding/internal/config"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "red"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "red", "a_red.png"), []byte("data"), 0644))

	s := NewLocalStore(dir)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "red/a_red.png")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "red/missing.png")
	require.NoError(t, err)
	assert.False(t, ok)

	// Directories are not objects.
	ok, err = s.Exists(ctx, "red")
	require.NoError(t, err)
	assert.False(t, ok)

	rc, err := s.Open(ctx, "red/a_red.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "data", string(data))

	_, err = s.Open(ctx, "red/missing.png")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Absolute names bypass the root.
	ok, err = NewLocalStore("/nonexistent").Exists(ctx, filepath.Join(dir, "red", "a_red.png"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalStore(t.TempDir()).Open(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	cfg := config.Default()
	cfg.InputDir = "/in"
	s, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "file:///in", s.String())

	cfg.Storage.Type = config.StorageMinIO
	_, err = New(cfg)
	assert.Error(t, err)

	cfg.Storage.MinIO = &config.MinIOConfig{Endpoint: "localhost:9000", Bucket: "images", Prefix: "hpa"}
	s, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "s3://images/hpa", s.String())
}
