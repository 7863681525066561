// Package objectstore provides the put/get/delete/list-by-prefix storage the
// artifact store and upload sinks write through.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value blob store. Keys use "/" as separator.
type Store interface {
	// Put writes r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the object at key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend         string `mapstructure:"backend" validate:"omitempty,oneof=filesystem gcs badger memory"`
	Root            string `mapstructure:"root"`
	Bucket          string `mapstructure:"bucket" validate:"required_if=Backend gcs"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Path            string `mapstructure:"path"`
}

// Open builds the backend described by cfg. The returned close func releases
// any client or database handle.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", "filesystem":
		root := cfg.Root
		if root == "" {
			root = "./data/artifacts"
		}
		s, err := NewFilesystemStore(root)
		return s, noop, err
	case "memory":
		return NewMemoryStore(), noop, nil
	case "gcs":
		s, err := NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "badger":
		s, err := NewBadgerStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", errors.New("empty object key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid object key %q", key)
		}
	}
	return key, nil
}
