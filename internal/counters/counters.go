// Package counters persists per-branch distribution counters keyed by
// (experiment, decision point, branch). All mutation happens through
// atomic single-transaction operations so concurrent participants can
// never observe or produce a torn count.
package counters

import (
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// #region types

// Record is one branch's counter row.
type Record struct {
	ExperimentID string
	DecisionID   string
	BranchID     string
	Started      int
	Completed    int
	Active       int
	UpdatedAt    time.Time
}

// Counter field names accepted by balanced selection.
const (
	FieldStarted   = "started"
	FieldCompleted = "completed"
)

// #endregion types

// #region store

const schema = `
CREATE TABLE IF NOT EXISTS distribution_counters (
	experiment_id TEXT NOT NULL,
	decision_id TEXT NOT NULL,
	branch_id TEXT NOT NULL,
	started_count INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	active_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (experiment_id, decision_id, branch_id)
);
CREATE TABLE IF NOT EXISTS active_sessions (
	experiment_id TEXT NOT NULL,
	decision_id TEXT NOT NULL,
	branch_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	PRIMARY KEY (experiment_id, decision_id, branch_id, session_id)
);
CREATE TABLE IF NOT EXISTS pick_counters (
	experiment_id TEXT NOT NULL,
	decision_id TEXT NOT NULL,
	counter INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (experiment_id, decision_id)
);`

// Store manages distribution counters in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the counter tables if needed and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create counter tables: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion store

// #region increments

// IncrementStarted atomically bumps a branch's started count.
func (s *Store) IncrementStarted(exp, decision, branch string) error {
	return s.increment(exp, decision, branch, "started_count")
}

// IncrementCompleted atomically bumps a branch's completed count.
func (s *Store) IncrementCompleted(exp, decision, branch string) error {
	return s.increment(exp, decision, branch, "completed_count")
}

func (s *Store) increment(exp, decision, branch, column string) error {
	switch column {
	case "started_count", "completed_count", "active_count":
	default:
		return fmt.Errorf("unknown counter column %q", column)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(fmt.Sprintf(`
		INSERT INTO distribution_counters
			(experiment_id, decision_id, branch_id, %[1]s, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (experiment_id, decision_id, branch_id)
		DO UPDATE SET %[1]s = %[1]s + 1, updated_at = excluded.updated_at`, column),
		exp, decision, branch, now)
	if err != nil {
		return fmt.Errorf("increment %s for %s/%s/%s: %w", column, exp, decision, branch, err)
	}
	return nil
}

// #endregion increments

// #region reads

// Read returns one branch's record; a branch never touched reads as
// all zeros, not as an error.
func (s *Store) Read(exp, decision, branch string) (Record, error) {
	rec := Record{ExperimentID: exp, DecisionID: decision, BranchID: branch}
	var ts string
	err := s.db.QueryRow(`
		SELECT started_count, completed_count, active_count, updated_at
		FROM distribution_counters
		WHERE experiment_id = ? AND decision_id = ? AND branch_id = ?`,
		exp, decision, branch).Scan(&rec.Started, &rec.Completed, &rec.Active, &ts)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("read counter %s/%s/%s: %w", exp, decision, branch, err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
	return rec, nil
}

// Snapshot returns every branch record at a decision point.
func (s *Store) Snapshot(exp, decision string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT branch_id, started_count, completed_count, active_count, updated_at
		FROM distribution_counters
		WHERE experiment_id = ? AND decision_id = ?
		ORDER BY branch_id`, exp, decision)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", exp, decision, err)
	}
	defer rows.Close()
	return scanRecords(rows, exp, decision)
}

// SnapshotExperiment returns every counter row for an experiment,
// grouped by decision point.
func (s *Store) SnapshotExperiment(exp string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT decision_id, branch_id, started_count, completed_count, active_count, updated_at
		FROM distribution_counters
		WHERE experiment_id = ?
		ORDER BY decision_id, branch_id`, exp)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", exp, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{ExperimentID: exp}
		var ts string
		if err := rows.Scan(&rec.DecisionID, &rec.BranchID, &rec.Started, &rec.Completed, &rec.Active, &ts); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows, exp, decision string) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec := Record{ExperimentID: exp, DecisionID: decision}
		var ts string
		if err := rows.Scan(&rec.BranchID, &rec.Started, &rec.Completed, &rec.Active, &ts); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion reads

// #region balanced

// PickLeastFilled selects the branch with the lowest count for the
// given field, breaking ties uniformly with rng, and increments the
// winner's started count inside the same transaction. This is the
// join-the-least-filled-bucket step of balanced assignment; doing the
// read and the increment in one transaction is what keeps two
// simultaneous participants from both joining the same branch.
func (s *Store) PickLeastFilled(exp, decision string, branches []string, field string, rng *rand.Rand) (string, error) {
	if len(branches) == 0 {
		return "", fmt.Errorf("no branches at %s/%s", exp, decision)
	}
	column := "started_count"
	if field == FieldCompleted {
		column = "completed_count"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin balanced pick: %w", err)
	}
	defer tx.Rollback()

	counts := make(map[string]int, len(branches))
	for _, b := range branches {
		counts[b] = 0
	}
	rows, err := tx.Query(fmt.Sprintf(`
		SELECT branch_id, %s FROM distribution_counters
		WHERE experiment_id = ? AND decision_id = ?`, column), exp, decision)
	if err != nil {
		return "", fmt.Errorf("read balanced counts: %w", err)
	}
	for rows.Next() {
		var branch string
		var n int
		if err := rows.Scan(&branch, &n); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan balanced count: %w", err)
		}
		if _, ok := counts[branch]; ok {
			counts[branch] = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("read balanced counts: %w", err)
	}

	minCount := -1
	for _, b := range branches {
		if minCount < 0 || counts[b] < minCount {
			minCount = counts[b]
		}
	}
	var tied []string
	for _, b := range branches {
		if counts[b] == minCount {
			tied = append(tied, b)
		}
	}
	winner := tied[rng.Intn(len(tied))]

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO distribution_counters
			(experiment_id, decision_id, branch_id, started_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (experiment_id, decision_id, branch_id)
		DO UPDATE SET started_count = started_count + 1, updated_at = excluded.updated_at`,
		exp, decision, winner, now); err != nil {
		return "", fmt.Errorf("commit balanced pick %s: %w", winner, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit balanced pick: %w", err)
	}
	return winner, nil
}

// #endregion balanced

// #region round-robin

// NextPickIndex advances the persisted round-robin counter for a
// decision point and returns the previous value modulo modulo, so
// successive participants walk combinations in sequence and wrap.
func (s *Store) NextPickIndex(exp, decision string, modulo int) (int, error) {
	if modulo <= 0 {
		return 0, fmt.Errorf("modulo must be positive")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin pick counter: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO pick_counters (experiment_id, decision_id, counter, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (experiment_id, decision_id)
		DO UPDATE SET counter = counter + 1, updated_at = excluded.updated_at`,
		exp, decision, now); err != nil {
		return 0, fmt.Errorf("advance pick counter %s/%s: %w", exp, decision, err)
	}
	var counter int
	if err := tx.QueryRow(`
		SELECT counter FROM pick_counters
		WHERE experiment_id = ? AND decision_id = ?`,
		exp, decision).Scan(&counter); err != nil {
		return 0, fmt.Errorf("read pick counter %s/%s: %w", exp, decision, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit pick counter: %w", err)
	}
	return (counter - 1) % modulo, nil
}

// #endregion round-robin

// #region active

// MarkActive records a session as currently working a branch and bumps
// the branch's active count. Re-marking the same session is a no-op.
func (s *Store) MarkActive(exp, decision, branch, sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark active: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO active_sessions
			(experiment_id, decision_id, branch_id, session_id, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		exp, decision, branch, sessionID, now)
	if err != nil {
		return fmt.Errorf("mark active %s: %w", sessionID, err)
	}
	inserted, _ := res.RowsAffected()
	if inserted > 0 {
		if _, err := tx.Exec(`
			INSERT INTO distribution_counters
				(experiment_id, decision_id, branch_id, active_count, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (experiment_id, decision_id, branch_id)
			DO UPDATE SET active_count = active_count + 1, updated_at = excluded.updated_at`,
			exp, decision, branch, now); err != nil {
			return fmt.Errorf("bump active count: %w", err)
		}
	}
	return tx.Commit()
}

// ClearActive removes a session's active marker and decrements the
// branch's active count if the marker existed.
func (s *Store) ClearActive(exp, decision, branch, sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear active: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		DELETE FROM active_sessions
		WHERE experiment_id = ? AND decision_id = ? AND branch_id = ? AND session_id = ?`,
		exp, decision, branch, sessionID)
	if err != nil {
		return fmt.Errorf("clear active %s: %w", sessionID, err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.Exec(`
			UPDATE distribution_counters
			SET active_count = MAX(0, active_count - 1), updated_at = ?
			WHERE experiment_id = ? AND decision_id = ? AND branch_id = ?`,
			now, exp, decision, branch); err != nil {
			return fmt.Errorf("drop active count: %w", err)
		}
	}
	return tx.Commit()
}

// SweepStale drops active markers older than the horizon and walks
// their counts back down. Abandoned sessions never signal; this sweep
// is the only way their active holds are reclaimed.
func (s *Store) SweepStale(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin stale sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT experiment_id, decision_id, branch_id, COUNT(*)
		FROM active_sessions
		WHERE started_at < ?
		GROUP BY experiment_id, decision_id, branch_id`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}
	type stale struct {
		exp, decision, branch string
		n                     int
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.exp, &st.decision, &st.branch, &st.n); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale row: %w", err)
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	total := 0
	for _, st := range found {
		if _, err := tx.Exec(`
			UPDATE distribution_counters
			SET active_count = MAX(0, active_count - ?), updated_at = ?
			WHERE experiment_id = ? AND decision_id = ? AND branch_id = ?`,
			st.n, now, st.exp, st.decision, st.branch); err != nil {
			return 0, fmt.Errorf("sweep counts %s/%s/%s: %w", st.exp, st.decision, st.branch, err)
		}
		total += st.n
	}
	if _, err := tx.Exec(`DELETE FROM active_sessions WHERE started_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit stale sweep: %w", err)
	}
	if total > 0 {
		log.Printf("[DIST] swept %d stale active holds older than %s", total, olderThan)
	}
	return total, nil
}

// #endregion active

// #region reset

// ResetDecision clears all counters at one decision point. This is an
// administrative operation and is logged as such.
func (s *Store) ResetDecision(exp, decision string) error {
	if _, err := s.db.Exec(`
		DELETE FROM distribution_counters WHERE experiment_id = ? AND decision_id = ?`,
		exp, decision); err != nil {
		return fmt.Errorf("reset counters %s/%s: %w", exp, decision, err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM active_sessions WHERE experiment_id = ? AND decision_id = ?`,
		exp, decision); err != nil {
		return fmt.Errorf("reset active sessions %s/%s: %w", exp, decision, err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM pick_counters WHERE experiment_id = ? AND decision_id = ?`,
		exp, decision); err != nil {
		return fmt.Errorf("reset pick counter %s/%s: %w", exp, decision, err)
	}
	log.Printf("[DIST] admin reset of counters at %s/%s", exp, decision)
	return nil
}

// ResetExperiment clears every counter for an experiment.
func (s *Store) ResetExperiment(exp string) error {
	for _, table := range []string{"distribution_counters", "active_sessions", "pick_counters"} {
		if _, err := s.db.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE experiment_id = ?`, table), exp); err != nil {
			return fmt.Errorf("reset %s for %s: %w", table, exp, err)
		}
	}
	log.Printf("[DIST] admin reset of all counters for %s", exp)
	return nil
}

// #endregion reset
