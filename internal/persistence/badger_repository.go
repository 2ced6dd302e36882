package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"futures-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled; errors still come back from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger %s: %v", ErrPersistence, dbPath, err)
	}

	return &badgerRepository{
		db:       db,
		stateKey: []byte("bot_state"),
	}, nil
}

// SaveState marshals the snapshot into JSON under a fixed key.
func (r *badgerRepository) SaveState(snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// LoadState returns (nil, nil) when the key has never been written.
func (r *badgerRepository) LoadState() (*models.Snapshot, error) {
	var snap models.Snapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &snap)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &snap, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
