package netlinkx

import (
	"encoding/binary"
	"net"
	"syscall"
	"testing"
)

func rtattr(typ uint16, value []byte) []byte {
	length := 4 + len(value)
	padded := (length + 3) &^ 3
	buf := make([]byte, padded)
	binary.LittleEndian.PutUint16(buf[0:], uint16(length))
	binary.LittleEndian.PutUint16(buf[2:], typ)
	copy(buf[4:], value)
	return buf
}

func TestDecodeLinkMsgVXLAN(t *testing.T) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[4:], 42) // index

	var attrs []byte
	attrs = append(attrs, rtattr(syscall.IFLA_IFNAME, append([]byte("vtep100"), 0))...)

	vniVal := make([]byte, 4)
	binary.LittleEndian.PutUint32(vniVal, 1001)
	vxlanData := rtattr(IFLA_VXLAN_ID, vniVal)

	var linkInfo []byte
	linkInfo = append(linkInfo, rtattr(IFLA_INFO_KIND, append([]byte("vxlan"), 0))...)
	linkInfo = append(linkInfo, rtattr(IFLA_INFO_DATA, vxlanData)...)
	attrs = append(attrs, rtattr(IFLA_LINKINFO, linkInfo)...)

	masterVal := make([]byte, 4)
	binary.LittleEndian.PutUint32(masterVal, 7)
	attrs = append(attrs, rtattr(IFLA_MASTER, masterVal)...)

	ev, err := decodeLinkMsg(append(header, attrs...))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Index != 42 || ev.Name != "vtep100" || ev.Kind != "vxlan" || ev.Master != 7 || ev.VNI != 1001 {
		t.Fatalf("unexpected decode: %+v", ev)
	}
}

func TestDecodeNeighMsgBridgeFDB(t *testing.T) {
	header := make([]byte, 12)
	header[0] = syscall.AF_BRIDGE
	binary.LittleEndian.PutUint32(header[4:], 13) // ifindex
	binary.LittleEndian.PutUint16(header[8:], NUD_REACHABLE)
	header[10] = NTF_SELF

	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	dst := net.IPv4(192, 0, 2, 1).To4()

	var attrs []byte
	attrs = append(attrs, rtattr(NDA_LLADDR, mac)...)
	attrs = append(attrs, rtattr(NDA_DST, dst)...)

	ev, err := decodeNeighMsg(append(header, attrs...))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Family != syscall.AF_BRIDGE || ev.Ifindex != 13 {
		t.Fatalf("unexpected header fields: %+v", ev)
	}
	if ev.MAC.String() != mac.String() {
		t.Fatalf("unexpected MAC: %v", ev.MAC)
	}
	if !ev.Dst.Equal(net.IP(dst)) {
		t.Fatalf("unexpected Dst: %v", ev.Dst)
	}
}

func TestDecodeNeighMsgVlan(t *testing.T) {
	header := make([]byte, 12)
	header[0] = syscall.AF_BRIDGE
	binary.LittleEndian.PutUint32(header[4:], 21) // ifindex

	vlanVal := make([]byte, 2)
	binary.LittleEndian.PutUint16(vlanVal, 300)

	var attrs []byte
	attrs = append(attrs, rtattr(NDA_VLAN, vlanVal)...)

	ev, err := decodeNeighMsg(append(header, attrs...))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ev.HasVlan || ev.VlanID != 300 {
		t.Fatalf("unexpected vlan decode: %+v", ev)
	}
}

func TestGroupMask(t *testing.T) {
	got := groupMask(rtnlGrpLink, rtnlGrpNeigh)
	want := uint32(1<<0 | 1<<2)
	if got != want {
		t.Fatalf("groupMask = %#x, want %#x", got, want)
	}
}

func TestDecodeLinkMsgShort(t *testing.T) {
	if _, err := decodeLinkMsg([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short ifinfomsg")
	}
}

func TestDecodeNeighMsgShort(t *testing.T) {
	if _, err := decodeNeighMsg([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short ndmsg")
	}
}
