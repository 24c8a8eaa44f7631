// Package session defines the participant session document and its
// persistence. The document is fully reconstructible from (definition,
// assignments, pick ledger, completed ids, seed); everything else in it
// is derived and recomputed by the navigator on every submission.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openbehavior/pathway/internal/cache"
)

// #region types

// ErrNotFound means no session document exists for the id.
var ErrNotFound = errors.New("session not found")

// Session lifecycle states.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Per-unit lifecycle states.
const (
	UnitPending     = "pending"
	UnitInProgress  = "in_progress"
	UnitCompleted   = "completed"
	UnitInvalidated = "invalidated"
	UnitSkipped     = "skipped"
)

// cacheTTL matches the participant-state cache window.
const cacheTTL = 24 * time.Hour

// UnitProgress tracks one unit's lifecycle within a session.
type UnitProgress struct {
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress summarizes how far through the visible path a session is.
type Progress struct {
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// State is the serialized session document.
type State struct {
	SessionID         string                    `json:"session_id"`
	ExperimentID      string                    `json:"experiment_id"`
	UserID            string                    `json:"user_id,omitempty"`
	Status            string                    `json:"status"`
	CurrentUnitID     string                    `json:"current_unit_id,omitempty"`
	VisibleUnitIDs    []string                  `json:"visible_unit_ids"`
	CompletedUnitIDs  []string                  `json:"completed_unit_ids"`
	SkippedUnitIDs    []string                  `json:"skipped_unit_ids,omitempty"`
	CompletedBlockIDs map[string][]string       `json:"completed_block_ids,omitempty"`
	CompletedPhaseIDs []string                  `json:"completed_phase_ids,omitempty"`
	Assignments       map[string]string         `json:"assignments"`
	PickLedger        map[string][]any          `json:"pick_ledger"`
	RandomizationSeed int64                     `json:"randomization_seed"`
	Data              map[string]map[string]any `json:"data"`
	Units             map[string]*UnitProgress  `json:"units"`
	Progress          Progress                  `json:"progress"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// HasCompleted reports whether a unit is in the completed set.
func (st *State) HasCompleted(unitID string) bool {
	for _, id := range st.CompletedUnitIDs {
		if id == unitID {
			return true
		}
	}
	return false
}

// MarkCompleted moves a unit into the completed set and stamps its
// progress record.
func (st *State) MarkCompleted(unitID string) {
	if !st.HasCompleted(unitID) {
		st.CompletedUnitIDs = append(st.CompletedUnitIDs, unitID)
	}
	now := time.Now().UTC()
	up := st.unit(unitID)
	up.Status = UnitCompleted
	up.CompletedAt = &now
}

// MarkInvalidated demotes a completed unit and strips it from the
// completed set; its progress record keeps the original start time.
func (st *State) MarkInvalidated(unitID string) {
	out := st.CompletedUnitIDs[:0]
	for _, id := range st.CompletedUnitIDs {
		if id != unitID {
			out = append(out, id)
		}
	}
	st.CompletedUnitIDs = out
	up := st.unit(unitID)
	up.Status = UnitInvalidated
	up.CompletedAt = nil
}

// SetUnitStatus sets a unit's lifecycle state, stamping the start time
// on the first transition into in_progress.
func (st *State) SetUnitStatus(unitID, status string) {
	up := st.unit(unitID)
	if status == UnitInProgress && up.StartedAt == nil {
		now := time.Now().UTC()
		up.StartedAt = &now
	}
	up.Status = status
}

// UnitStatus returns a unit's lifecycle state, pending by default.
func (st *State) UnitStatus(unitID string) string {
	if up, ok := st.Units[unitID]; ok {
		return up.Status
	}
	return UnitPending
}

func (st *State) unit(unitID string) *UnitProgress {
	if st.Units == nil {
		st.Units = map[string]*UnitProgress{}
	}
	up, ok := st.Units[unitID]
	if !ok {
		up = &UnitProgress{Status: UnitPending}
		st.Units[unitID] = up
	}
	return up
}

// RecomputeProgress rebuilds the progress summary from the visible
// list and completed set.
func (st *State) RecomputeProgress() {
	done := 0
	for _, id := range st.VisibleUnitIDs {
		if st.HasCompleted(id) {
			done++
		}
	}
	st.Progress = Progress{Completed: done, Total: len(st.VisibleUnitIDs)}
	if st.Progress.Total > 0 {
		st.Progress.Percentage = float64(done) / float64(st.Progress.Total) * 100
	}
}

// #endregion types

// #region store

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_experiment ON sessions (experiment_id);`

// Store persists session documents durably with a cache in front.
type Store struct {
	db    *sql.DB
	cache *cache.Store
}

// NewStore creates the sessions table if needed and returns a store.
func NewStore(db *sql.DB, c *cache.Store) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &Store{db: db, cache: c}, nil
}

func cacheKey(sessionID string) string { return "session:" + sessionID }

// Save upserts the document and refreshes the cached copy.
func (s *Store) Save(st *State) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.SessionID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, experiment_id, status, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			status = excluded.status, doc = excluded.doc, updated_at = excluded.updated_at`,
		st.SessionID, st.ExperimentID, st.Status, string(raw),
		st.CreatedAt.Format(time.RFC3339), st.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save session %s: %w", st.SessionID, err)
	}
	return s.cache.SetTTL(cacheKey(st.SessionID), raw, cacheTTL)
}

// Get loads a session, cache first, re-priming the cache on a miss.
func (s *Store) Get(sessionID string) (*State, error) {
	if raw, ok, err := s.cache.Get(cacheKey(sessionID)); err == nil && ok {
		var st State
		if err := json.Unmarshal(raw, &st); err == nil {
			return &st, nil
		}
	}

	var doc string
	err := s.db.QueryRow(`SELECT doc FROM sessions WHERE session_id = ?`, sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var st State
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if raw, err := json.Marshal(&st); err == nil {
		s.cache.SetTTL(cacheKey(sessionID), raw, cacheTTL)
	}
	return &st, nil
}

// ListByExperiment returns session ids and statuses for an experiment,
// newest first. Used by the admin surface.
func (s *Store) ListByExperiment(exp string, limit int) ([]State, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT doc FROM sessions WHERE experiment_id = ?
		ORDER BY updated_at DESC LIMIT ?`, exp, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", exp, err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var st State
		if err := json.Unmarshal([]byte(doc), &st); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// #endregion store
