// Package capacity enforces per-unit participant quotas with a
// two-phase reservation protocol: a short-lived hold is taken when a
// participant reaches a capped unit, and converted into a permanent
// completion when they finish. Holds expire on their own, so an
// abandoned participant never consumes quota.
package capacity

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/openbehavior/pathway/internal/cache"
)

// #region types

// DefaultHoldTTL mirrors the reservation window the system has always
// used: half an hour to finish a capped unit before the slot is
// returned to the pool.
const DefaultHoldTTL = 30 * time.Minute

// conflictRetries bounds how often an atomic check-and-hold is retried
// when concurrent transactions collide. The retried operation is
// byte-identical, so retrying preserves determinism.
const conflictRetries = 5

// Status is a point-in-time view of one unit's quota.
type Status struct {
	ExperimentID string `json:"experiment_id"`
	UnitID       string `json:"unit_id"`
	Limit        int    `json:"limit"`
	Completed    int    `json:"completed"`
	Reserved     int    `json:"reserved"`
	Remaining    int    `json:"remaining"`
}

// Manager runs the reservation protocol against the cache store.
type Manager struct {
	store   *cache.Store
	holdTTL time.Duration
}

// NewManager returns a quota manager. A zero holdTTL selects the
// default reservation window.
func NewManager(store *cache.Store, holdTTL time.Duration) *Manager {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &Manager{store: store, holdTTL: holdTTL}
}

func countKey(exp, unit string) []byte {
	return []byte("quota:count:" + exp + ":" + unit)
}

func holdKey(exp, unit, session string) []byte {
	return []byte("quota:hold:" + exp + ":" + unit + ":" + session)
}

func holdPrefix(exp, unit string) []byte {
	return []byte("quota:hold:" + exp + ":" + unit + ":")
}

// #endregion types

// #region protocol

// TryReserve atomically checks completed < limit and, if the unit has
// room, writes a TTL hold for the session. Re-reserving an existing
// hold succeeds without consuming anything.
func (m *Manager) TryReserve(exp, unit, sessionID string, limit int) (bool, error) {
	var ok bool
	err := m.withRetry(func(txn *badger.Txn) error {
		ok = false
		if _, err := txn.Get(holdKey(exp, unit, sessionID)); err == nil {
			ok = true
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		completed, err := readCount(txn, countKey(exp, unit))
		if err != nil {
			return err
		}
		if completed >= limit {
			return nil
		}
		entry := badger.NewEntry(holdKey(exp, unit, sessionID), []byte("1")).WithTTL(m.holdTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reserve %s/%s for %s: %w", exp, unit, sessionID, err)
	}
	return ok, nil
}

// TryComplete converts a hold (or a bare completion, if the hold
// already expired) into a permanent counter increment.
func (m *Manager) TryComplete(exp, unit, sessionID string) error {
	err := m.withRetry(func(txn *badger.Txn) error {
		completed, err := readCount(txn, countKey(exp, unit))
		if err != nil {
			return err
		}
		if err := txn.Set(countKey(exp, unit), []byte(strconv.Itoa(completed+1))); err != nil {
			return err
		}
		return txn.Delete(holdKey(exp, unit, sessionID))
	})
	if err != nil {
		return fmt.Errorf("complete %s/%s for %s: %w", exp, unit, sessionID, err)
	}
	return nil
}

// Release drops an unconsumed hold, returning the slot immediately
// instead of waiting for the TTL.
func (m *Manager) Release(exp, unit, sessionID string) error {
	if err := m.store.Delete(string(holdKey(exp, unit, sessionID))); err != nil {
		return fmt.Errorf("release %s/%s for %s: %w", exp, unit, sessionID, err)
	}
	return nil
}

// Available reports whether the unit still has uncompleted quota.
func (m *Manager) Available(exp, unit string, limit int) (bool, error) {
	st, err := m.Status(exp, unit, limit)
	if err != nil {
		return false, err
	}
	return st.Completed < limit, nil
}

// Status reads the unit's completion count and live holds.
func (m *Manager) Status(exp, unit string, limit int) (Status, error) {
	st := Status{ExperimentID: exp, UnitID: unit, Limit: limit}
	err := m.store.View(func(txn *badger.Txn) error {
		completed, err := readCount(txn, countKey(exp, unit))
		if err != nil {
			return err
		}
		st.Completed = completed

		opts := badger.DefaultIteratorOptions
		opts.Prefix = holdPrefix(exp, unit)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			st.Reserved++
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("quota status %s/%s: %w", exp, unit, err)
	}
	st.Remaining = limit - st.Completed
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st, nil
}

// Reset clears the unit's completion counter and every outstanding
// hold. Administrative and audited; never called by navigation.
func (m *Manager) Reset(exp, unit string) error {
	err := m.withRetry(func(txn *badger.Txn) error {
		if err := txn.Delete(countKey(exp, unit)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = holdPrefix(exp, unit)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset quota %s/%s: %w", exp, unit, err)
	}
	log.Printf("[QUOTA] admin reset of %s/%s", exp, unit)
	return nil
}

// #endregion protocol

// #region helpers

func (m *Manager) withRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = m.store.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readCount(txn *badger.Txn, key []byte) (int, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return n, nil
}

// #endregion helpers
