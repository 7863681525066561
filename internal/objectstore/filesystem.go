package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FilesystemStore keeps objects as files under a root directory.
type FilesystemStore struct {
	fs afero.Fs
}

// NewFilesystemStore roots a store at dir on the local disk.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %w", dir, err)
	}
	return NewAferoStore(afero.NewBasePathFs(osfs, dir)), nil
}

// NewMemoryStore returns a store backed by an in-memory filesystem.
func NewMemoryStore() *FilesystemStore {
	return NewAferoStore(afero.NewMemMapFs())
}

// NewAferoStore wraps an arbitrary afero filesystem.
func NewAferoStore(fsys afero.Fs) *FilesystemStore {
	return &FilesystemStore{fs: fsys}
}

// Put writes the object through a temp file and rename so readers never see
// a partial object.
func (s *FilesystemStore) Put(ctx context.Context, key string, r io.Reader) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	name := "/" + key
	if err := s.fs.MkdirAll(path.Dir(name), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	tmp := name + ".partial"
	if err := afero.WriteReader(s.fs, tmp, contextReader{ctx: ctx, r: r}); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open("/" + key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return f, nil
}

func (s *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	info, err := s.fs.Stat("/" + key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove("/" + key); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	// Walk from the deepest directory the prefix fully names.
	root := "/"
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		root = "/" + prefix[:i]
	}
	if _, err := s.fs.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	err := afero.Walk(s.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".partial") {
			return nil
		}
		key := strings.TrimPrefix(path.Clean("/"+p), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
