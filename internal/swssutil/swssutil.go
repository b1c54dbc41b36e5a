// Package swssutil holds the small parsing and canonicalization helpers
// shared by the warm-restart engine and all three sync agents: MAC/IP
// validation, table-key construction, and FieldValue tuple helpers.
package swssutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// FieldValue is an ordered field/value pair, mirroring the teacher's use of
// plain string pairs for row data throughout internal/handlers.
type FieldValue struct {
	Field string
	Value string
}

// FVs is a row's full field set, insertion order preserved since some
// comparisons care about it for display but not for equality.
type FVs []FieldValue

// Get returns the value for field and whether it was present.
func (f FVs) Get(field string) (string, bool) {
	for _, fv := range f {
		if fv.Field == field {
			return fv.Value, true
		}
	}
	return "", false
}

// Set overwrites or appends field=value.
func (f FVs) Set(field, value string) FVs {
	for i := range f {
		if f[i].Field == field {
			f[i].Value = value
			return f
		}
	}
	return append(f, FieldValue{field, value})
}

// Equal compares two field sets ignoring a named field (the warm-restart
// tag), per spec.md §3.2: "implementations MUST exclude that field when
// comparing equality."
func Equal(a, b FVs, ignoreField string) bool {
	am := toMap(a, ignoreField)
	bm := toMap(b, ignoreField)
	if len(am) != len(bm) {
		return false
	}
	for k, v := range am {
		if bv, ok := bm[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func toMap(f FVs, ignoreField string) map[string]string {
	m := make(map[string]string, len(f))
	for _, fv := range f {
		if fv.Field == ignoreField {
			continue
		}
		m[fv.Field] = fv.Value
	}
	return m
}

// VlanMacKey builds the "Vlan<id>:<mac>" composite key used by FDB/VXLAN_FDB
// rows (spec.md §3.1, §4.3).
func VlanMacKey(vlanID int, mac string) string {
	return fmt.Sprintf("Vlan%d:%s", vlanID, mac)
}

// VlanVtepKey builds the "Vlan<id>:<vtep>" composite key used by IMET rows.
func VlanVtepKey(vlanID int, vtep string) string {
	return fmt.Sprintf("Vlan%d:%s", vlanID, vtep)
}

// ParseVlanFromIfName extracts the VLAN id from a VXLAN interface name's
// trailing "-<id>" suffix (e.g. "vxlan-100" -> 100). ok is false when the
// suffix is absent, non-numeric, or out of the kernel's 1-4094 VLAN range —
// per spec.md §8 "VXLAN interface name without -<id> suffix -> event
// discarded silently".
func ParseVlanFromIfName(ifName string) (id int, ok bool) {
	idx := strings.LastIndex(ifName, "-")
	if idx < 0 || idx == len(ifName)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(ifName[idx+1:])
	if err != nil {
		return 0, false
	}
	if n < 1 || n > 4094 {
		return 0, false
	}
	return n, true
}

// IsZeroMAC reports whether mac is the all-zero EVPN IMET sentinel address.
func IsZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return len(mac) > 0
}

// IsLoopback reports whether ip is in 127.0.0.0/8.
func IsLoopback(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] == 127
}

// FormatMAC renders a 6-byte hardware address as "aa:bb:cc:dd:ee:ff",
// matching the reference's MacAddress::to_string lowercase-colon form.
func FormatMAC(mac net.HardwareAddr) string {
	return mac.String()
}
