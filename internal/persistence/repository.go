package persistence

import (
	"errors"
	"fmt"
	"strings"

	"futures-grid-bot-go/internal/models"
)

// ErrPersistence wraps every failure of the snapshot store.
var ErrPersistence = errors.New("persistence error")

// StateRepository defines the interface for lifecycle snapshot persistence.
// It abstracts the underlying storage mechanism (JSON file, BadgerDB)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically replaces the stored snapshot.
	SaveState(snap *models.Snapshot) error

	// LoadState loads the snapshot from storage.
	// If no snapshot is found, it returns (nil, nil).
	LoadState() (*models.Snapshot, error)

	// Close releases the underlying storage.
	Close() error
}

// New opens the backend named by cfg.Backend ("file" or "badger").
func New(cfg models.PersistenceConfig) (StateRepository, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file", "json":
		return NewFileRepository(cfg.Path)
	case "badger":
		return NewBadgerRepository(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrPersistence, cfg.Backend)
	}
}
