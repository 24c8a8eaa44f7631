// Package registry stores per-session participant context: submitted
// responses, computed scores, assignment history, environment, and URL
// parameters. The durable copy lives in SQLite; a TTL'd cache copy
// keeps recovery fast after a disconnect.
package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openbehavior/pathway/internal/cache"
	"github.com/openbehavior/pathway/internal/rules"
)

// #region types

// ErrNotFound means no participant state exists for the session.
var ErrNotFound = errors.New("participant state not found")

// cacheTTL matches the session lifetime: one day of inactivity.
const cacheTTL = 24 * time.Hour

// Assignment is one committed sequencer decision with its audit trail.
type Assignment struct {
	Value      string    `json:"value"`
	Reason     string    `json:"reason,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// State is the full accumulated context for one session.
type State struct {
	SessionID    string                    `json:"session_id"`
	ExperimentID string                    `json:"experiment_id"`
	UserID       string                    `json:"user_id,omitempty"`
	Participant  map[string]any            `json:"participant,omitempty"`
	Environment  map[string]any            `json:"environment,omitempty"`
	URLParams    map[string]any            `json:"url_params,omitempty"`
	Responses    map[string]map[string]any `json:"responses,omitempty"`
	Scores       map[string]any            `json:"scores,omitempty"`
	Assignments  map[string]Assignment     `json:"assignments,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// Context assembles the namespaces the rule evaluator resolves
// against. Assignments flatten to their committed values.
func (st *State) Context() *rules.Context {
	session := make(map[string]any, len(st.Responses))
	for unit, payload := range st.Responses {
		session[unit] = payload
	}
	assignments := make(map[string]any, len(st.Assignments))
	for decision, a := range st.Assignments {
		assignments[decision] = a.Value
	}
	return &rules.Context{
		Session:     session,
		Participant: st.Participant,
		Scores:      st.Scores,
		Assignments: assignments,
		URLParams:   st.URLParams,
		Environment: st.Environment,
	}
}

// InitParams seeds a fresh participant state.
type InitParams struct {
	SessionID    string
	ExperimentID string
	UserID       string
	Participant  map[string]any
	URLParams    map[string]any
	UserAgent    string
	ScreenSize   string
}

// #endregion types

// #region store

const schema = `
CREATE TABLE IF NOT EXISTS participant_state (
	session_id TEXT PRIMARY KEY,
	experiment_id TEXT NOT NULL,
	user_id TEXT,
	doc TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store persists participant state durably with a cache in front.
type Store struct {
	db    *sql.DB
	cache *cache.Store
}

// NewStore creates the backing table if needed and returns a store.
func NewStore(db *sql.DB, c *cache.Store) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create participant table: %w", err)
	}
	return &Store{db: db, cache: c}, nil
}

func cacheKey(sessionID string) string { return "participant:" + sessionID }

// Initialize writes a fresh state document for a new session.
func (s *Store) Initialize(p InitParams) (*State, error) {
	now := time.Now().UTC()
	st := &State{
		SessionID:    p.SessionID,
		ExperimentID: p.ExperimentID,
		UserID:       p.UserID,
		Participant:  p.Participant,
		URLParams:    p.URLParams,
		Environment:  detectEnvironment(p.UserAgent, p.ScreenSize),
		Responses:    map[string]map[string]any{},
		Scores:       map[string]any{},
		Assignments:  map[string]Assignment{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if st.Participant == nil {
		st.Participant = map[string]any{}
	}
	if st.URLParams == nil {
		st.URLParams = map[string]any{}
	}
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Get loads participant state, cache first, falling back to the
// durable row and re-priming the cache on a miss.
func (s *Store) Get(sessionID string) (*State, error) {
	if raw, ok, err := s.cache.Get(cacheKey(sessionID)); err == nil && ok {
		var st State
		if err := json.Unmarshal(raw, &st); err == nil {
			return &st, nil
		}
	}

	var doc string
	err := s.db.QueryRow(
		`SELECT doc FROM participant_state WHERE session_id = ?`, sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load participant state %s: %w", sessionID, err)
	}
	var st State
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("decode participant state %s: %w", sessionID, err)
	}
	if raw, err := json.Marshal(&st); err == nil {
		s.cache.SetTTL(cacheKey(sessionID), raw, cacheTTL)
	}
	return &st, nil
}

func (s *Store) save(st *State) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode participant state %s: %w", st.SessionID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO participant_state (session_id, experiment_id, user_id, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			doc = excluded.doc, updated_at = excluded.updated_at`,
		st.SessionID, st.ExperimentID, st.UserID, string(raw),
		st.CreatedAt.Format(time.RFC3339), st.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save participant state %s: %w", st.SessionID, err)
	}
	return s.cache.SetTTL(cacheKey(st.SessionID), raw, cacheTTL)
}

// #endregion store

// #region mutations

// AddResponse records a submitted payload for a unit.
func (s *Store) AddResponse(sessionID, unitID string, payload map[string]any) (*State, error) {
	return s.mutate(sessionID, func(st *State) {
		if st.Responses == nil {
			st.Responses = map[string]map[string]any{}
		}
		st.Responses[unitID] = payload
	})
}

// RemoveResponse discards a unit's stored payload, used when the
// invalidation cascade demotes a completed unit.
func (s *Store) RemoveResponse(sessionID, unitID string) (*State, error) {
	return s.mutate(sessionID, func(st *State) {
		delete(st.Responses, unitID)
	})
}

// UpdateScore sets a computed score.
func (s *Store) UpdateScore(sessionID, key string, value any) (*State, error) {
	return s.mutate(sessionID, func(st *State) {
		if st.Scores == nil {
			st.Scores = map[string]any{}
		}
		st.Scores[key] = value
	})
}

// RecordAssignment commits a sequencer decision with its reason.
// Existing assignments are never overwritten; the first commit wins.
func (s *Store) RecordAssignment(sessionID, decisionID, value, reason string) (*State, error) {
	return s.mutate(sessionID, func(st *State) {
		if st.Assignments == nil {
			st.Assignments = map[string]Assignment{}
		}
		if _, exists := st.Assignments[decisionID]; exists {
			return
		}
		st.Assignments[decisionID] = Assignment{
			Value:      value,
			Reason:     reason,
			AssignedAt: time.Now().UTC(),
		}
	})
}

func (s *Store) mutate(sessionID string, fn func(st *State)) (*State, error) {
	st, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	fn(st)
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// #endregion mutations

// #region environment

// detectEnvironment derives coarse device/browser facts from the user
// agent so visibility rules can branch on them.
func detectEnvironment(userAgent, screenSize string) map[string]any {
	env := map[string]any{
		"user_agent": userAgent,
		"device":     detectDevice(userAgent),
		"browser":    detectBrowser(userAgent),
	}
	if screenSize != "" {
		env["screen_size"] = screenSize
	}
	return env
}

func detectDevice(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return "mobile"
	case ua == "":
		return "unknown"
	}
	return "desktop"
}

func detectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg/"):
		return "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case ua == "":
		return "unknown"
	}
	return "other"
}

// #endregion environment
