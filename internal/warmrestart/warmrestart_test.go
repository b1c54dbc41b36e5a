package warmrestart

import (
	"testing"
	"time"

	"switchsync/internal/statestore"
	"switchsync/internal/swssutil"
)

func newTestAssist(t *testing.T, timer time.Duration) (*Assist, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	a, err := NewAssist(store, "testagent", timer)
	if err != nil {
		t.Fatalf("new assist: %v", err)
	}
	return a, store
}

func TestConstructionRejectsZeroTimer(t *testing.T) {
	store, _ := statestore.Open(":memory:")
	defer store.Close()
	if _, err := NewAssist(store, "a", 0); err == nil {
		t.Fatalf("expected error for zero timer")
	}
}

func TestConstructionRejectsOverMaxTimer(t *testing.T) {
	store, _ := statestore.Open(":memory:")
	defer store.Close()
	if _, err := NewAssist(store, "a", MaxReconcileTimer+time.Second); err == nil {
		t.Fatalf("expected error for over-max timer")
	}
}

// TestRoundTripSame exercises the round-trip law: insertToMap(k, v, false)
// on a cache containing only (k, v, STALE), then reconcile, produces no
// downstream mutation (spec.md §8).
func TestRoundTripSame(t *testing.T) {
	a, store := newTestAssist(t, time.Second)
	a.RegisterTable("VXLAN_FDB")

	v := swssutil.FVs{{"port", "Ethernet4"}}
	store.Set("VXLAN_FDB", "k1", v)
	store.FlushPipeline()
	if err := a.ReadTablesToMap(); err != nil {
		t.Fatalf("read tables: %v", err)
	}

	a.InsertToMap("VXLAN_FDB", "k1", v, false)

	sub := store.Subscribe("VXLAN_FDB")
	defer store.Unsubscribe("VXLAN_FDB", sub)

	if err := a.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	select {
	case ev := <-sub:
		t.Fatalf("expected no mutation for SAME row, got %+v", ev)
	default:
	}

	if a.IsWarmStartInProgress() {
		t.Fatalf("expected warm start to be complete after reconcile")
	}
}

// TestRoundTripDelete: insertToMap(k, v, true) then reconcile always
// produces exactly one del(table, k).
func TestRoundTripDelete(t *testing.T) {
	a, store := newTestAssist(t, time.Second)
	a.RegisterTable("NAT")

	v := swssutil.FVs{{"nat_type", "snat"}}
	store.Set("NAT", "k2", v)
	store.FlushPipeline()
	if err := a.ReadTablesToMap(); err != nil {
		t.Fatalf("read tables: %v", err)
	}

	a.InsertToMap("NAT", "k2", v, true)

	if err := a.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, ok := store.Get("NAT", "k2"); ok {
		t.Fatalf("expected row to be deleted after reconcile")
	}
}

// TestRoundTripNew: insertToMap(k, v', false) with prior (k, v, STALE) and
// v' != v, then reconcile, produces exactly one set(table, k, v').
func TestRoundTripNew(t *testing.T) {
	a, store := newTestAssist(t, time.Second)
	a.RegisterTable("NAT")

	v := swssutil.FVs{{"nat_type", "snat"}}
	store.Set("NAT", "k3", v)
	store.FlushPipeline()
	if err := a.ReadTablesToMap(); err != nil {
		t.Fatalf("read tables: %v", err)
	}

	v2 := swssutil.FVs{{"nat_type", "dnat"}}
	a.InsertToMap("NAT", "k3", v2, false)

	if err := a.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, ok := store.Get("NAT", "k3")
	if !ok {
		t.Fatalf("expected row to exist")
	}
	if val, _ := got.Get("nat_type"); val != "dnat" {
		t.Fatalf("expected updated value dnat, got %s", val)
	}
}

// TestReconcileHappyPath is spec.md §8 scenario 5.
func TestReconcileHappyPath(t *testing.T) {
	a, store := newTestAssist(t, time.Second)
	a.RegisterTable("T")

	v1 := swssutil.FVs{{"f", "v1"}}
	v2 := swssutil.FVs{{"f", "v2"}}
	store.Set("T", "k1", v1)
	store.Set("T", "k2", v2)
	store.FlushPipeline()

	if err := a.ReadTablesToMap(); err != nil {
		t.Fatalf("read tables: %v", err)
	}

	a.InsertToMap("T", "k1", v1, false) // -> SAME
	v3 := swssutil.FVs{{"f", "v3"}}
	a.InsertToMap("T", "k3", v3, false) // -> NEW

	if err := a.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, ok := store.Get("T", "k1"); !ok {
		t.Fatalf("k1 should remain (SAME = no-op)")
	}
	if _, ok := store.Get("T", "k2"); ok {
		t.Fatalf("k2 should be deleted (STALE -> delete)")
	}
	if _, ok := store.Get("T", "k3"); !ok {
		t.Fatalf("k3 should be published (NEW)")
	}

	status, _ := store.GetStatus("testagent")
	if status != "RECONCILED" {
		t.Fatalf("expected status RECONCILED, got %s", status)
	}

	depth := a.CacheDepth()
	if depth["T"] != 0 {
		t.Fatalf("expected cache cleared, got depth %d", depth["T"])
	}
}

func TestStoppedTimerLeavesCacheUntouched(t *testing.T) {
	a, _ := newTestAssist(t, time.Hour)
	a.RegisterTable("T")
	a.InsertToMap("T", "k1", swssutil.FVs{{"f", "v"}}, false)

	fireCh := a.StartReconcileTimer()
	a.StopReconcileTimer()

	if !a.IsWarmStartInProgress() {
		t.Fatalf("expected warm start still in progress after stopping timer without reconciling")
	}
	select {
	case <-fireCh:
		t.Fatalf("stopped timer should not fire immediately")
	default:
	}
	if depth := a.CacheDepth(); depth["T"] != 1 {
		t.Fatalf("expected cache untouched with 1 row, got depth %d", depth["T"])
	}
}
