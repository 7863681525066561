// Package artifacts stores step outputs under generated, never-reused paths
// and persists the lineage meta document describing them.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"backupflow/backend/internal/objectstore"
	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

const (
	artifactsDir  = "artifacts"
	executionsDir = "executions"
	metaFile      = "meta.json"
)

// Location is a freshly allocated output directory.
type Location struct {
	ID   string
	Path string
}

// Entry returns the path of a file named name inside the location.
func (l Location) Entry(name string) string {
	return path.Join(l.Path, name)
}

// Store reads and writes artifact content through an object store.
type Store struct {
	objects objectstore.Store
	root    string
	ids     *IDSource
}

// NewStore returns a Store keeping everything under root inside objects.
func NewStore(objects objectstore.Store, root string) *Store {
	return &Store{
		objects: objects,
		root:    strings.Trim(root, "/"),
		ids:     NewIDSource(),
	}
}

func (s *Store) key(parts ...string) string {
	if s.root == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.root}, parts...)...)
}

// AllocateOutputLocation returns a new, unique output directory. Ids are
// ULIDs so directories sort by creation order.
func (s *Store) AllocateOutputLocation() Location {
	id := s.ids.New().String()
	return Location{ID: id, Path: s.key(artifactsDir, id)}
}

// Write stores content at p. Artifacts are write-once: writing to an
// existing path fails with ARTIFACT.immutable.
func (s *Store) Write(ctx context.Context, p string, content io.Reader) error {
	exists, err := s.objects.Exists(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", p, err)
	}
	if exists {
		return problems.New(problems.Immutable, "%s already written", p).WithPaths(p)
	}
	return s.objects.Put(ctx, p, content)
}

// Read opens the content at p.
func (s *Store) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	return s.objects.Get(ctx, p)
}

// Entries lists the files directly or indirectly inside dir.
func (s *Store) Entries(ctx context.Context, dir string) ([]string, error) {
	return s.objects.List(ctx, strings.TrimSuffix(dir, "/")+"/")
}

// MetaPath is where the meta document of an execution lives.
func (s *Store) MetaPath(executionID string) string {
	return s.key(executionsDir, executionID, metaFile)
}

// PersistMeta writes the meta document for an execution's terminal
// artifacts and returns its path.
func (s *Store) PersistMeta(ctx context.Context, executionID string, arts []models.Artifact) (string, error) {
	raw, err := MarshalMeta(NewMeta(arts))
	if err != nil {
		return "", err
	}
	p := s.MetaPath(executionID)
	if err := s.Write(ctx, p, bytes.NewReader(raw)); err != nil {
		return "", fmt.Errorf("failed to persist meta document: %w", err)
	}
	return p, nil
}

// LoadMeta reads and strictly parses the meta document at p.
func (s *Store) LoadMeta(ctx context.Context, p string) (*models.MetaDocument, error) {
	rc, err := s.objects.Get(ctx, p)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, problems.Wrap(problems.MalformedMeta, err, "meta document missing")
		}
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read meta document %s: %w", p, err)
	}
	return ParseMeta(raw)
}
