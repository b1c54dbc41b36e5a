package fdbsync

import (
	"net"
	"syscall"
	"testing"
	"time"

	"switchsync/internal/netlinkx"
	"switchsync/internal/statestore"
	"switchsync/internal/swssutil"
)

func newTestEngine(t *testing.T) (*Engine, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e, err := New(store, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	// Complete warm start immediately so publish() writes straight through,
	// matching tests that assert on durable state rather than the cache.
	if err := e.Assist().ReadTablesToMap(); err != nil {
		t.Fatalf("read tables: %v", err)
	}
	if err := e.Assist().Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return e, store
}

// TestRemoteTakeoverByLocal is spec.md §8 scenario 1: a remote VXLAN_FDB
// entry exists, then a local learn for the same (vlan, mac) arrives and must
// win, deleting the remote row.
func TestRemoteTakeoverByLocal(t *testing.T) {
	e, store := newTestEngine(t)

	e.macAddVxlan("Vlan100:aa:bb:cc:dd:ee:ff", net.IPv4(10, 0, 0, 1), "dynamic", 1000, "vxlan-100")
	store.FlushPipeline()
	if _, ok := store.Get(tableVXLANFdb, "Vlan100:aa:bb:cc:dd:ee:ff"); !ok {
		t.Fatalf("expected remote entry to be published first")
	}

	e.ProcessEvpnNvo([]statestore.Event{{Op: statestore.OpSet}})
	store.FlushPipeline()

	e.ProcessStateFdb([]statestore.Event{{
		Key:    "Vlan100:aa:bb:cc:dd:ee:ff",
		Op:     statestore.OpSet,
		Fields: swssutil.FVs{{Field: "port", Value: "Ethernet4"}, {Field: "type", Value: "dynamic"}},
	}})
	store.FlushPipeline()

	if _, ok := store.Get(tableVXLANFdb, "Vlan100:aa:bb:cc:dd:ee:ff"); ok {
		t.Fatalf("expected remote VXLAN_FDB row to be deleted after local takeover")
	}
	e.mu.Lock()
	_, stillLocal := e.localFDB["Vlan100:aa:bb:cc:dd:ee:ff"]
	e.mu.Unlock()
	if !stillLocal {
		t.Fatalf("expected local cache to retain the key")
	}
}

// TestIMETAdd is spec.md §8 scenario 2.
func TestIMETAdd(t *testing.T) {
	e, store := newTestEngine(t)

	e.mu.Lock()
	e.vxlanIntfs[5] = vxlanIntf{ifname: "vxlan-200", vni: 2000}
	e.mu.Unlock()

	zeroMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0}
	e.OnNeigh(netlinkx.NeighEvent{
		Family:  syscall.AF_BRIDGE,
		Ifindex: 5,
		MAC:     zeroMAC,
		Dst:     net.IPv4(10, 0, 0, 2),
	})
	store.FlushPipeline()

	got, ok := store.Get(tableVXLANRemoteVNI, "Vlan200:10.0.0.2")
	if !ok {
		t.Fatalf("expected VXLAN_REMOTE_VNI row for IMET add")
	}
	if v, _ := got.Get("vni"); v != "2000" {
		t.Fatalf("expected vni 2000, got %s", v)
	}
}

// TestRemoteIgnoredWhenLocalOwnsKey verifies the local-precedence rule:
// a remote arrival for a key the local cache already owns is dropped.
func TestRemoteIgnoredWhenLocalOwnsKey(t *testing.T) {
	e, store := newTestEngine(t)
	e.mu.Lock()
	e.localFDB["Vlan100:aa:bb:cc:dd:ee:ff"] = localFDBEntry{portName: "Ethernet4", fdbType: "dynamic"}
	e.mu.Unlock()

	e.macAddVxlan("Vlan100:aa:bb:cc:dd:ee:ff", net.IPv4(10, 0, 0, 9), "dynamic", 1000, "vxlan-100")
	store.FlushPipeline()

	if _, ok := store.Get(tableVXLANFdb, "Vlan100:aa:bb:cc:dd:ee:ff"); ok {
		t.Fatalf("expected remote arrival to be ignored when local owns the key")
	}
}

// TestNonVxlanDeleteRefreshesLocalMac covers the non-VXLAN-port path: a
// DELNEIGH age-out while EVPN NVO is configured must re-push the cached
// local MAC, not silently drop it.
func TestNonVxlanDeleteRefreshesLocalMac(t *testing.T) {
	e, store := newTestEngine(t)

	e.ProcessEvpnNvo([]statestore.Event{{Op: statestore.OpSet}})
	store.FlushPipeline()

	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	e.mu.Lock()
	e.localFDB["Vlan300:aa:bb:cc:dd:ee:01"] = localFDBEntry{portName: "Ethernet8", fdbType: "dynamic"}
	e.mu.Unlock()

	e.OnNeigh(netlinkx.NeighEvent{
		IsDelete: true,
		Family:   syscall.AF_BRIDGE,
		Ifindex:  99, // not in vxlanIntfs: a physical/LAG port
		MAC:      mac,
		VlanID:   300,
		HasVlan:  true,
	})
	// No assertion on the kernel command itself (cmdutil shells out); this
	// test exists to confirm the path is reachable and doesn't panic when the
	// key is in the local cache. The cache lookup itself is exercised directly
	// below.
	e.mu.Lock()
	entry, ok := e.localFDB["Vlan300:aa:bb:cc:dd:ee:01"]
	e.mu.Unlock()
	if !ok || entry.portName != "Ethernet8" {
		t.Fatalf("expected local cache entry to remain available for refresh")
	}
}
