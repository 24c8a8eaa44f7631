package session

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openbehavior/pathway/internal/cache"
)

func makeStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	c, err := cache.OpenInMemory()
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	s, err := NewStore(db, c)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleState() *State {
	return &State{
		SessionID:         "sess1",
		ExperimentID:      "exp",
		Status:            StatusActive,
		CurrentUnitID:     "task_a",
		VisibleUnitIDs:    []string{"task_a", "task_b"},
		CompletedUnitIDs:  []string{},
		Assignments:       map[string]string{"arm": "task_a"},
		PickLedger:        map[string][]any{"arm": {"x"}},
		RandomizationSeed: 42,
		Data:              map[string]map[string]any{},
		CreatedAt:         time.Now().UTC(),
	}
}

func TestSaveAndGet(t *testing.T) {
	s := makeStore(t)
	if err := s.Save(sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	st, err := s.Get("sess1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.CurrentUnitID != "task_a" || st.RandomizationSeed != 42 {
		t.Fatalf("round trip lost fields: %+v", st)
	}
	if st.Assignments["arm"] != "task_a" {
		t.Fatalf("assignments lost: %+v", st.Assignments)
	}
	if len(st.PickLedger["arm"]) != 1 || st.PickLedger["arm"][0] != "x" {
		t.Fatalf("ledger lost: %+v", st.PickLedger)
	}
}

func TestGetNotFound(t *testing.T) {
	s := makeStore(t)
	if _, err := s.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecoveryAfterCacheLoss(t *testing.T) {
	s := makeStore(t)
	st := sampleState()
	st.MarkCompleted("task_a")
	if err := s.Save(st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.cache.Delete("session:sess1"); err != nil {
		t.Fatalf("evict: %v", err)
	}
	got, err := s.Get("sess1")
	if err != nil {
		t.Fatalf("read-through: %v", err)
	}
	if !got.HasCompleted("task_a") {
		t.Fatalf("completed set lost on recovery")
	}
	if got.UnitStatus("task_a") != UnitCompleted {
		t.Fatalf("unit status lost on recovery")
	}
}

func TestUnitLifecycle(t *testing.T) {
	st := sampleState()
	if st.UnitStatus("task_a") != UnitPending {
		t.Fatalf("default status should be pending")
	}
	st.SetUnitStatus("task_a", UnitInProgress)
	if st.Units["task_a"].StartedAt == nil {
		t.Fatalf("start time not stamped")
	}
	st.MarkCompleted("task_a")
	if !st.HasCompleted("task_a") || st.UnitStatus("task_a") != UnitCompleted {
		t.Fatalf("completion not recorded")
	}
	// Completing twice must not duplicate the id.
	st.MarkCompleted("task_a")
	if len(st.CompletedUnitIDs) != 1 {
		t.Fatalf("duplicate completion entry: %v", st.CompletedUnitIDs)
	}

	st.MarkInvalidated("task_a")
	if st.HasCompleted("task_a") {
		t.Fatalf("invalidated unit still completed")
	}
	if st.UnitStatus("task_a") != UnitInvalidated {
		t.Fatalf("status = %q", st.UnitStatus("task_a"))
	}
}

func TestRecomputeProgress(t *testing.T) {
	st := sampleState()
	st.MarkCompleted("task_a")
	st.RecomputeProgress()
	if st.Progress.Completed != 1 || st.Progress.Total != 2 {
		t.Fatalf("progress = %+v", st.Progress)
	}
	if st.Progress.Percentage != 50 {
		t.Fatalf("percentage = %v", st.Progress.Percentage)
	}
}

func TestListByExperiment(t *testing.T) {
	s := makeStore(t)
	a := sampleState()
	if err := s.Save(a); err != nil {
		t.Fatalf("save: %v", err)
	}
	b := sampleState()
	b.SessionID = "sess2"
	if err := s.Save(b); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.ListByExperiment("exp", 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("list = %d sessions, %v", len(got), err)
	}
	if got, _ := s.ListByExperiment("other", 10); len(got) != 0 {
		t.Fatalf("unexpected sessions for other experiment")
	}
}
