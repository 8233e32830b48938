package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore keeps reply clips under one directory and serves them through
// ServePath.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a store rooted at dir. The directory is created on
// the first Put.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{dir: dir}
}

func (s *LocalStore) Type() string { return "local" }

// Dir returns the audio directory path.
func (s *LocalStore) Dir() string { return s.dir }

// Put writes the clip atomically and returns its served URL. A clip is
// either complete on disk or absent, so a playing client never sees a
// partial file.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	full, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := writeAtomic(full, data); err != nil {
		return "", err
	}
	return servedURL(key), nil
}

// Get opens the clip as an *os.File.
func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, Clip, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, Clip{}, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Clip{}, fmt.Errorf("%w: %s", ErrClipNotFound, key)
	}
	if err != nil {
		return nil, Clip{}, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Clip{}, err
	}
	return f, Clip{
		Key:         key,
		ContentType: contentTypeFor(key),
		Size:        info.Size(),
		Modified:    info.ModTime(),
	}, nil
}

// Has reports whether the clip is on disk.
func (s *LocalStore) Has(key string) bool {
	full, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

func (s *LocalStore) path(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid audio key %q", key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// writeAtomic writes via a temp file in the target directory and renames it
// into place.
func writeAtomic(full string, data []byte) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".reply-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpPath, full)
	}
	if werr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", full, werr)
	}
	return nil
}
