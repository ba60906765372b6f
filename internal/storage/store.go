// Package storage abstracts where channel images are read from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/thebtf/cellmaps-embedding/internal/config"
)

// ErrNotFound is returned when an object does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Store is a read-only source of image objects addressed by slash-separated names.
type Store interface {
	// Open opens an object for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Exists reports whether the object exists.
	Exists(ctx context.Context, name string) (bool, error)
	// String describes the store for logs and provenance.
	String() string
}

// LocalStore implements Store on the local file system.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root. Absolute names bypass the root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a file for reading.
func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(s.path(name))
}

// Exists reports whether name is an existing regular file.
func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStore) String() string { return "file://" + s.root }

// New builds the store selected by the configuration.
func New(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Type {
	case "", config.StorageLocal:
		return NewLocalStore(cfg.InputDir), nil
	case config.StorageMinIO:
		if cfg.Storage.MinIO == nil {
			return nil, errors.New("storage.minio is not configured")
		}
		return NewMinIOStore(*cfg.Storage.MinIO)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
