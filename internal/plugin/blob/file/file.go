// Package file stores blobs as flat files, one per blob id, under a base directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chirino/chat-ledger/internal/config"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
)

func init() {
	registryblob.Register(registryblob.Plugin{
		Name: "file",
		Loader: func(ctx context.Context) (registryblob.BlobStore, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || strings.TrimSpace(cfg.BlobBasePath) == "" {
				return nil, fmt.Errorf("file blob store: base path is required")
			}
			return New(cfg.BlobBasePath), nil
		},
	})
}

// Store is a directory-backed BlobStore.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: filepath.Clean(dir)}
}

func (s *Store) BasePath() string { return s.dir }

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("file blob store: invalid blob id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}

func (s *Store) Put(_ context.Context, id string, data []byte) (bool, error) {
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("file blob store: stat %s: %w", id, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false, fmt.Errorf("file blob store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return false, fmt.Errorf("file blob store: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("file blob store: write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("file blob store: close %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return false, fmt.Errorf("file blob store: publish %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file blob store: read %s: %w", id, err)
	}
	return data, nil
}
