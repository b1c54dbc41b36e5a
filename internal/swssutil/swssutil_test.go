package swssutil

import (
	"net"
	"testing"
)

func TestEqualIgnoresTagField(t *testing.T) {
	a := FVs{{"port", "Ethernet4"}, {"__tag", "STALE"}}
	b := FVs{{"port", "Ethernet4"}, {"__tag", "NEW"}}
	if !Equal(a, b, "__tag") {
		t.Fatalf("expected equal ignoring tag field")
	}
	c := FVs{{"port", "Ethernet8"}, {"__tag", "STALE"}}
	if Equal(a, c, "__tag") {
		t.Fatalf("expected not equal on differing field")
	}
}

func TestParseVlanFromIfName(t *testing.T) {
	cases := []struct {
		name    string
		wantID  int
		wantOK  bool
	}{
		{"vxlan-100", 100, true},
		{"vxlan-200", 200, true},
		{"vxlan", 0, false},
		{"vxlan-", 0, false},
		{"vxlan-abc", 0, false},
		{"vxlan-4095", 0, false},
		{"vxlan-0", 0, false},
	}
	for _, c := range cases {
		id, ok := ParseVlanFromIfName(c.name)
		if ok != c.wantOK || (ok && id != c.wantID) {
			t.Errorf("ParseVlanFromIfName(%q) = (%d, %v), want (%d, %v)", c.name, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestIsZeroMAC(t *testing.T) {
	zero, _ := net.ParseMAC("00:00:00:00:00:00")
	nonzero, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	if !IsZeroMAC(zero) {
		t.Fatalf("expected zero MAC to be detected")
	}
	if IsZeroMAC(nonzero) {
		t.Fatalf("expected non-zero MAC to not be flagged")
	}
}

func TestIsLoopback(t *testing.T) {
	if !IsLoopback(net.ParseIP("127.0.0.1")) {
		t.Fatalf("expected 127.0.0.1 to be loopback")
	}
	if IsLoopback(net.ParseIP("10.0.0.1")) {
		t.Fatalf("expected 10.0.0.1 to not be loopback")
	}
}

func TestVlanKeys(t *testing.T) {
	if got := VlanMacKey(100, "aa:bb:cc:dd:ee:ff"); got != "Vlan100:aa:bb:cc:dd:ee:ff" {
		t.Fatalf("unexpected key: %s", got)
	}
	if got := VlanVtepKey(200, "10.0.0.2"); got != "Vlan200:10.0.0.2" {
		t.Fatalf("unexpected key: %s", got)
	}
}
