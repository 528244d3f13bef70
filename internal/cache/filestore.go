package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kz-records/internal/domain"
)

const fileExt = ".cache"

// FileStore keeps one file per entry in a directory. The file's
// modification time is the entry's written-at time.
type FileStore struct {
	dir string
}

// NewFileStore creates the cache directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the cache directory
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key+fileExt), nil
}

// Read returns the payload and modification time of key's file
func (s *FileStore) Read(_ context.Context, key string) ([]byte, time.Time, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, time.Time{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, domain.ErrCacheMiss
		}
		return nil, time.Time{}, fmt.Errorf("stat cache file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, domain.ErrCacheMiss
		}
		return nil, time.Time{}, fmt.Errorf("reading cache file: %w", err)
	}
	return data, info.ModTime(), nil
}

// Write replaces key's file atomically and stamps it with writtenAt
func (s *FileStore) Write(_ context.Context, key string, payload []byte, writtenAt time.Time) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chtimes(tmpName, writtenAt, writtenAt); err != nil {
		return fmt.Errorf("stamping temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming cache file: %w", err)
	}
	return nil
}

// Delete removes key's file; a missing file is not an error
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache file: %w", err)
	}
	return nil
}

// Clear removes every cache file in the directory
func (s *FileStore) Clear(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("listing cache directory: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, fileExt) || strings.HasSuffix(name, ".tmp")) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clearing cache directory: %w", errors.Join(errs...))
	}
	return nil
}
