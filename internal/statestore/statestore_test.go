package statestore

import (
	"testing"

	"switchsync/internal/swssutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetFlush(t *testing.T) {
	s := newTestStore(t)
	fv := swssutil.FVs{{"port", "Ethernet4"}, {"type", "dynamic"}}

	if _, ok := s.Get("VXLAN_FDB", "Vlan100:aa:bb:cc:dd:ee:ff"); ok {
		t.Fatalf("expected absent before flush")
	}

	s.Set("VXLAN_FDB", "Vlan100:aa:bb:cc:dd:ee:ff", fv)
	if _, ok := s.Get("VXLAN_FDB", "Vlan100:aa:bb:cc:dd:ee:ff"); ok {
		t.Fatalf("expected row not durable before FlushPipeline")
	}

	if err := s.FlushPipeline(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got, ok := s.Get("VXLAN_FDB", "Vlan100:aa:bb:cc:dd:ee:ff")
	if !ok {
		t.Fatalf("expected row present after flush")
	}
	if v, _ := got.Get("port"); v != "Ethernet4" {
		t.Fatalf("unexpected port value: %s", v)
	}
}

func TestDelIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.Del("NAT", "10.1.1.1")
	if err := s.FlushPipeline(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	s.Del("NAT", "10.1.1.1")
	if err := s.FlushPipeline(); err != nil {
		t.Fatalf("second flush: %v", err)
	}
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	s := newTestStore(t)
	ch := s.Subscribe("NAT")
	defer s.Unsubscribe("NAT", ch)

	s.Set("NAT", "10.1.1.1", swssutil.FVs{{"nat_type", "snat"}})
	if err := s.FlushPipeline(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Op != OpSet || ev.Key != "10.1.1.1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected an event to be delivered")
	}
}

func TestStatusSurface(t *testing.T) {
	s := newTestStore(t)
	if status, err := s.GetStatus("fdbsync"); err != nil || status != "" {
		t.Fatalf("expected empty initial status, got %q err %v", status, err)
	}
	if err := s.SetStatus("fdbsync", "RESTORED"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	status, err := s.GetStatus("fdbsync")
	if err != nil || status != "RESTORED" {
		t.Fatalf("expected RESTORED, got %q err %v", status, err)
	}
}

func TestDump(t *testing.T) {
	s := newTestStore(t)
	s.Set("VXLAN_FDB", "k1", swssutil.FVs{{"f", "v1"}})
	s.Set("VXLAN_FDB", "k2", swssutil.FVs{{"f", "v2"}})
	if err := s.FlushPipeline(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	rows, err := s.Dump("VXLAN_FDB")
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}
