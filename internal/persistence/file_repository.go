package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"futures-grid-bot-go/internal/models"
)

// fileRepository stores the snapshot as an indented JSON document.
// Writes go to a temp file in the same directory and are renamed into place.
type fileRepository struct {
	mu   sync.Mutex
	path string
}

// NewFileRepository returns a repository backed by the JSON file at path.
func NewFileRepository(path string) (StateRepository, error) {
	if path == "" {
		path = "bot_state.json"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return &fileRepository{path: path}, nil
}

func (r *fileRepository) SaveState(snap *models.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("%w: rename to %s: %v", ErrPersistence, r.path, err)
	}
	return nil
}

func (r *fileRepository) LoadState() (*models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrPersistence, r.path, err)
	}
	return &snap, nil
}

func (r *fileRepository) Close() error { return nil }
