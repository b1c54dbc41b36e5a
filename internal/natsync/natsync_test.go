package natsync

import (
	"net"
	"syscall"
	"testing"
	"time"

	"switchsync/internal/conntrackx"
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
	if err := e.Assist().ReadTablesToMap(); err != nil {
		t.Fatalf("read tables: %v", err)
	}
	if err := e.Assist().Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return e, store
}

func confirmedAssured() uint32 {
	return uint32(conntrackx.IPSConfirmed | conntrackx.IPSAssured | conntrackx.IPSSeenReply)
}

// TestTwiceNAPTClassification is spec.md §8 scenario 3: a flow with both
// endpoints NAT'd and both ports translated must land in NAPT_TWICE, keyed
// on the original-direction 4-tuple, with a reverse row published too.
func TestTwiceNAPTClassification(t *testing.T) {
	e, store := newTestEngine(t)

	ev := conntrackx.Event{
		Type:   conntrackx.EventNew,
		ID:     1,
		Status: confirmedAssured() | conntrackx.IPSSrcNATDone | conntrackx.IPSDstNATDone,
		Orig: conntrackx.Tuple{
			SrcIP: net.ParseIP("10.1.1.1"), SrcPort: 5000,
			DstIP: net.ParseIP("8.8.8.8"), DstPort: 80,
			Proto: syscall.IPPROTO_TCP,
		},
		Reply: conntrackx.Tuple{
			SrcIP: net.ParseIP("10.2.2.2"), SrcPort: 8080,
			DstIP: net.ParseIP("192.0.2.1"), DstPort: 40000,
			Proto: syscall.IPPROTO_TCP,
		},
	}

	e.OnEvent(ev)
	store.FlushPipeline()

	key := "TCP:10.1.1.1:5000:8.8.8.8:80"
	fields, ok := store.Get(tableNAPTTwice, key)
	if !ok {
		t.Fatalf("expected NAPT_TWICE row for key %s", key)
	}
	want := map[string]string{
		"translated_src_ip":      "192.0.2.1",
		"translated_src_l4_port": "40000",
		"translated_dst_ip":      "10.2.2.2",
		"translated_dst_l4_port": "8080",
		"entry_type":             "dynamic",
	}
	for field, v := range want {
		got, ok := fields.Get(field)
		if !ok || got != v {
			t.Fatalf("field %s = %q, want %q", field, got, v)
		}
	}

	revKey := "TCP:10.2.2.2:8080:192.0.2.1:40000"
	if _, ok := store.Get(tableNAPTTwice, revKey); !ok {
		t.Fatalf("expected reverse NAPT_TWICE row for key %s", revKey)
	}
}

// TestBasicSNAT covers the plain IP-only SNAT classification and its
// nat_type-swapped reverse row.
func TestBasicSNAT(t *testing.T) {
	e, store := newTestEngine(t)

	ev := conntrackx.Event{
		Type:   conntrackx.EventNew,
		Status: confirmedAssured() | conntrackx.IPSSrcNATDone,
		Orig: conntrackx.Tuple{
			SrcIP: net.ParseIP("10.0.0.5"), SrcPort: 3000,
			DstIP: net.ParseIP("8.8.4.4"), DstPort: 443,
			Proto: syscall.IPPROTO_TCP,
		},
		Reply: conntrackx.Tuple{
			SrcIP: net.ParseIP("8.8.4.4"), SrcPort: 443,
			DstIP: net.ParseIP("203.0.113.9"), DstPort: 3000,
			Proto: syscall.IPPROTO_TCP,
		},
	}

	e.OnEvent(ev)
	store.FlushPipeline()

	fields, ok := store.Get(tableNAT, "10.0.0.5")
	if !ok {
		t.Fatalf("expected NAT row for orig src")
	}
	if v, _ := fields.Get("translated_ip"); v != "203.0.113.9" {
		t.Fatalf("translated_ip = %q", v)
	}
	if v, _ := fields.Get("nat_type"); v != "snat" {
		t.Fatalf("nat_type = %q", v)
	}

	rev, ok := store.Get(tableNAT, "203.0.113.9")
	if !ok {
		t.Fatalf("expected reverse NAT row")
	}
	if v, _ := rev.Get("nat_type"); v != "dnat" {
		t.Fatalf("reverse nat_type = %q", v)
	}
}

// TestFilterDropsUnassuredNewTCP is spec.md §4.4.2: a NEW TCP event
// without IPS_ASSURED must be dropped.
func TestFilterDropsUnassuredNewTCP(t *testing.T) {
	e, store := newTestEngine(t)

	ev := conntrackx.Event{
		Type:   conntrackx.EventNew,
		Status: uint32(conntrackx.IPSConfirmed) | conntrackx.IPSSrcNATDone,
		Orig: conntrackx.Tuple{
			SrcIP: net.ParseIP("10.0.0.5"), SrcPort: 3000,
			DstIP: net.ParseIP("8.8.4.4"), DstPort: 443,
			Proto: syscall.IPPROTO_TCP,
		},
		Reply: conntrackx.Tuple{
			SrcIP: net.ParseIP("8.8.4.4"), SrcPort: 443,
			DstIP: net.ParseIP("203.0.113.9"), DstPort: 3000,
			Proto: syscall.IPPROTO_TCP,
		},
	}

	e.OnEvent(ev)
	store.FlushPipeline()

	if _, ok := store.Get(tableNAT, "10.0.0.5"); ok {
		t.Fatalf("expected event to be dropped, got a published row")
	}
}

// TestFilterDropsBothLoopback is spec.md §4.4.2: a flow between two
// loopback addresses must never be published, even if NAT flags are set.
func TestFilterDropsBothLoopback(t *testing.T) {
	e, store := newTestEngine(t)

	ev := conntrackx.Event{
		Type:   conntrackx.EventNew,
		Status: confirmedAssured() | conntrackx.IPSSrcNATDone,
		Orig: conntrackx.Tuple{
			SrcIP: net.ParseIP("127.0.0.1"), SrcPort: 3000,
			DstIP: net.ParseIP("127.0.0.2"), DstPort: 443,
			Proto: syscall.IPPROTO_TCP,
		},
		Reply: conntrackx.Tuple{
			SrcIP: net.ParseIP("127.0.0.2"), SrcPort: 443,
			DstIP: net.ParseIP("127.0.0.1"), DstPort: 3000,
			Proto: syscall.IPPROTO_TCP,
		},
	}

	e.OnEvent(ev)
	store.FlushPipeline()

	if _, ok := store.Get(tableNAT, "127.0.0.1"); ok {
		t.Fatalf("expected loopback-to-loopback flow to be dropped")
	}
}

// TestStaticOverrideBlocksDynamicPublish is spec.md §4.4.2: a pre-existing
// static entry at the target key must not be overwritten by a dynamic one.
func TestStaticOverrideBlocksDynamicPublish(t *testing.T) {
	e, store := newTestEngine(t)

	// Seed a static row directly through the store API.
	store.Set(tableNAT, "10.0.0.5", swssutil.FVs{
		{Field: "translated_ip", Value: "198.51.100.1"},
		{Field: "entry_type", Value: "static"},
	})
	store.FlushPipeline()

	ev := conntrackx.Event{
		Type:   conntrackx.EventNew,
		Status: confirmedAssured() | conntrackx.IPSSrcNATDone,
		Orig: conntrackx.Tuple{
			SrcIP: net.ParseIP("10.0.0.5"), SrcPort: 3000,
			DstIP: net.ParseIP("8.8.4.4"), DstPort: 443,
			Proto: syscall.IPPROTO_TCP,
		},
		Reply: conntrackx.Tuple{
			SrcIP: net.ParseIP("8.8.4.4"), SrcPort: 443,
			DstIP: net.ParseIP("203.0.113.9"), DstPort: 3000,
			Proto: syscall.IPPROTO_TCP,
		},
	}
	e.OnEvent(ev)
	store.FlushPipeline()

	fields, ok := store.Get(tableNAT, "10.0.0.5")
	if !ok {
		t.Fatalf("expected static row to remain")
	}
	if v, _ := fields.Get("translated_ip"); v != "198.51.100.1" {
		t.Fatalf("expected static row untouched, got translated_ip=%q", v)
	}
}

// TestStaticOverrideBlocksDestroyPublish is the DESTROY-side counterpart of
// TestStaticOverrideBlocksDynamicPublish: a conntrack teardown whose
// computed key collides with an operator-configured static row must not
// delete that row, matching natsync.cpp's addNatEntry applying the same
// static-entry check on both the add and delete call sites.
func TestStaticOverrideBlocksDestroyPublish(t *testing.T) {
	e, store := newTestEngine(t)

	store.Set(tableNAT, "10.0.0.5", swssutil.FVs{
		{Field: "translated_ip", Value: "198.51.100.1"},
		{Field: "entry_type", Value: "static"},
	})
	store.FlushPipeline()

	ev := conntrackx.Event{
		Type:   conntrackx.EventDestroy,
		Status: confirmedAssured() | conntrackx.IPSSrcNATDone,
		Orig: conntrackx.Tuple{
			SrcIP: net.ParseIP("10.0.0.5"), SrcPort: 3000,
			DstIP: net.ParseIP("8.8.4.4"), DstPort: 443,
			Proto: syscall.IPPROTO_TCP,
		},
		Reply: conntrackx.Tuple{
			SrcIP: net.ParseIP("8.8.4.4"), SrcPort: 443,
			DstIP: net.ParseIP("203.0.113.9"), DstPort: 3000,
			Proto: syscall.IPPROTO_TCP,
		},
	}
	e.OnEvent(ev)
	store.FlushPipeline()

	fields, ok := store.Get(tableNAT, "10.0.0.5")
	if !ok {
		t.Fatalf("expected static row to survive a colliding conntrack destroy event")
	}
	if v, _ := fields.Get("translated_ip"); v != "198.51.100.1" {
		t.Fatalf("expected static row untouched, got translated_ip=%q", v)
	}
}
