// Package cache wraps the embedded BadgerDB store used for ephemeral
// state: serialized session snapshots, participant context copies, and
// capacity reservation holds. Everything here carries a TTL; the
// durable copy always lives in SQLite.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// #region config

// Config controls how the store is opened.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store is a thin wrapper over a badger DB handle.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store, used by tests and
// the offline simulator.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// #endregion config

// #region ops

// Get fetches a key. The second return is false when the key is
// missing or its TTL has lapsed.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return out, true, nil
}

// SetTTL writes a key with an expiry.
func (s *Store) SetTTL(key string, val []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key; deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside a read-write transaction. Badger transactions
// are serializable; fn may be retried by the caller on ErrConflict.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(txn *badger.Txn) error) error {
	return s.db.View(fn)
}

// #endregion ops

// #region gc

// StartGC runs badger value-log garbage collection on an interval
// until ctx is cancelled. No-op for in-memory stores.
func (s *Store) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					if err := s.db.RunValueLogGC(0.5); err != nil {
						if !errors.Is(err, badger.ErrNoRewrite) {
							log.Printf("[CACHE] value log gc: %v", err)
						}
						break
					}
				}
			}
		}
	}()
}

// #endregion gc
