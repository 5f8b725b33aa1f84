package object

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/GaspardMerten/motion-lake-server/internal/config"
	"github.com/GaspardMerten/motion-lake-server/internal/errdefs"
	"go.uber.org/zap"
)

// FSStore implements Store on the local filesystem, rooted at a
// configured directory. Object keys map to relative file paths.
type FSStore struct {
	root   string
	logger *zap.Logger
}

func NewFSStore(cfg config.FileSystemConfig, logger *zap.Logger) (*FSStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("file_system backend requires a root directory")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", cfg.Root, err)
	}
	return &FSStore{root: cfg.Root, logger: logger}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "creating object directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errdefs.Wrapf(errdefs.ErrIO, "writing object %s: %v", key, err)
	}

	s.logger.Debug("object stored on disk",
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrapf(errdefs.ErrNotFound, "object %s", key)
		}
		return nil, errdefs.Wrapf(errdefs.ErrIO, "reading object %s: %v", key, err)
	}
	return data, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errdefs.Wrapf(errdefs.ErrIO, "deleting object %s: %v", key, err)
	}
	return nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrIO, "listing prefix %s: %v", prefix, err)
	}
	return keys, nil
}

func (s *FSStore) Close() error {
	return nil
}
