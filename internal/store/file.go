package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// storageKey names the persisted document, matching the browser client's
// local storage entry so exported state can be moved between the two.
const storageKey = "avatar-storage"

// FilePersister keeps the persisted subset in a JSON file.
type FilePersister struct {
	path string
	mu   sync.Mutex
}

// NewFilePersister stores state at path.
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

type fileDocument struct {
	Name  string    `json:"name"`
	State Persisted `json:"state"`
}

// Load returns an empty Persisted when the file does not exist yet.
func (f *FilePersister) Load(ctx context.Context) (Persisted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Persisted{}, nil
	}
	if err != nil {
		return Persisted{}, err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Persisted{}, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return doc.State, nil
}

// Save writes atomically via temp file + rename.
func (f *FilePersister) Save(ctx context.Context, p Persisted) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(fileDocument{Name: storageKey, State: p}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
