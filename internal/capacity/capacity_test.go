package capacity

import (
	"fmt"
	"testing"
	"time"

	"github.com/openbehavior/pathway/internal/cache"
)

func makeManager(t *testing.T) *Manager {
	t.Helper()
	store, err := cache.OpenInMemory()
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, time.Minute)
}

func TestReserveAndComplete(t *testing.T) {
	m := makeManager(t)

	ok, err := m.TryReserve("exp", "arm_a", "sess1", 2)
	if err != nil || !ok {
		t.Fatalf("reserve = %v, %v", ok, err)
	}
	// Reserving again with the same session is idempotent.
	ok, err = m.TryReserve("exp", "arm_a", "sess1", 2)
	if err != nil || !ok {
		t.Fatalf("re-reserve = %v, %v", ok, err)
	}

	st, err := m.Status("exp", "arm_a", 2)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Completed != 0 || st.Reserved != 1 || st.Remaining != 2 {
		t.Fatalf("status = %+v", st)
	}

	if err := m.TryComplete("exp", "arm_a", "sess1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	st, _ = m.Status("exp", "arm_a", 2)
	if st.Completed != 1 || st.Reserved != 0 || st.Remaining != 1 {
		t.Fatalf("status after complete = %+v", st)
	}
}

func TestCapacityExhaustion(t *testing.T) {
	m := makeManager(t)
	limit := 2
	for i := 0; i < limit; i++ {
		sid := fmt.Sprintf("sess%d", i)
		ok, err := m.TryReserve("exp", "arm_a", sid, limit)
		if err != nil || !ok {
			t.Fatalf("reserve %s = %v, %v", sid, ok, err)
		}
		if err := m.TryComplete("exp", "arm_a", sid); err != nil {
			t.Fatalf("complete %s: %v", sid, err)
		}
	}
	// Quota consumed: a new session cannot reserve.
	ok, err := m.TryReserve("exp", "arm_a", "late", limit)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatalf("reservation granted past the limit")
	}
	avail, err := m.Available("exp", "arm_a", limit)
	if err != nil || avail {
		t.Fatalf("available = %v, %v", avail, err)
	}
}

func TestHoldsDoNotConsumeQuota(t *testing.T) {
	m := makeManager(t)
	// A hold that is released returns the slot immediately.
	ok, _ := m.TryReserve("exp", "u", "sess1", 1)
	if !ok {
		t.Fatalf("first reserve refused")
	}
	if err := m.Release("exp", "u", "sess1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ := m.Status("exp", "u", 1)
	if st.Reserved != 0 || st.Completed != 0 {
		t.Fatalf("status after release = %+v", st)
	}
	ok, _ = m.TryReserve("exp", "u", "sess2", 1)
	if !ok {
		t.Fatalf("slot not returned after release")
	}
}

func TestReset(t *testing.T) {
	m := makeManager(t)
	m.TryReserve("exp", "u", "sess1", 1)
	m.TryComplete("exp", "u", "sess1")
	m.TryReserve("exp", "u", "sess2", 1)

	if err := m.Reset("exp", "u"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ := m.Status("exp", "u", 1)
	if st.Completed != 0 || st.Reserved != 0 {
		t.Fatalf("status after reset = %+v", st)
	}
}

func TestUnitsAreIndependent(t *testing.T) {
	m := makeManager(t)
	m.TryReserve("exp", "a", "sess1", 1)
	m.TryComplete("exp", "a", "sess1")

	ok, err := m.TryReserve("exp", "b", "sess2", 1)
	if err != nil || !ok {
		t.Fatalf("unit b should be unaffected by unit a: %v, %v", ok, err)
	}
}
