package conntrackx

import (
	"encoding/binary"
	"net"
	"syscall"
	"testing"
)

func nfattr(typ uint16, value []byte) []byte {
	length := uint16(4 + len(value))
	buf := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint16(buf[0:], length)
	binary.LittleEndian.PutUint16(buf[2:], typ)
	copy(buf[4:], value)
	padded := (int(length) + 3) &^ 3
	if padded > len(buf) {
		out := make([]byte, padded)
		copy(out, buf)
		return out
	}
	return buf
}

func beU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func beU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func buildTuple(src, dst net.IP, srcPort, dstPort uint16, proto uint8) []byte {
	var ipAttrs []byte
	ipAttrs = append(ipAttrs, nfattr(ctaIPv4Src, src.To4())...)
	ipAttrs = append(ipAttrs, nfattr(ctaIPv4Dst, dst.To4())...)

	var protoAttrs []byte
	protoAttrs = append(protoAttrs, nfattr(ctaProtoNum, []byte{proto})...)
	protoAttrs = append(protoAttrs, nfattr(ctaProtoSrcPort, beU16(srcPort))...)
	protoAttrs = append(protoAttrs, nfattr(ctaProtoDstPort, beU16(dstPort))...)

	var tuple []byte
	tuple = append(tuple, nfattr(ctaTupleIP, ipAttrs)...)
	tuple = append(tuple, nfattr(ctaTupleProto, protoAttrs)...)
	return tuple
}

func TestDecodeConntrackMsgNewTCP(t *testing.T) {
	orig := buildTuple(net.IPv4(10, 0, 0, 1), net.IPv4(8, 8, 8, 8), 54321, 443, syscall.IPPROTO_TCP)
	reply := buildTuple(net.IPv4(8, 8, 8, 8), net.IPv4(203, 0, 113, 5), 443, 54321, syscall.IPPROTO_TCP)

	var msg []byte
	msg = append(msg, 0, 0, 0, 0) // nfgenmsg header, unused by decoder
	msg = append(msg, nfattr(ctaTupleOrig, orig)...)
	msg = append(msg, nfattr(ctaTupleReply, reply)...)
	msg = append(msg, nfattr(ctaStatus, beU32(IPSConfirmed|IPSSrcNATDone))...)
	msg = append(msg, nfattr(ctaID, beU32(99))...)

	ev, err := decodeConntrackMsg(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != 99 {
		t.Fatalf("expected ID 99, got %d", ev.ID)
	}
	if ev.Status&IPSSrcNATDone == 0 {
		t.Fatalf("expected IPSSrcNATDone set in status %#x", ev.Status)
	}
	if !ev.Orig.SrcIP.Equal(net.IPv4(10, 0, 0, 1)) || ev.Orig.DstPort != 443 {
		t.Fatalf("unexpected orig tuple: %+v", ev.Orig)
	}
	if !ev.Reply.DstIP.Equal(net.IPv4(203, 0, 113, 5)) || ev.Reply.SrcPort != 443 {
		t.Fatalf("unexpected reply tuple: %+v", ev.Reply)
	}
	if ev.Orig.Proto != syscall.IPPROTO_TCP {
		t.Fatalf("expected TCP, got proto %d", ev.Orig.Proto)
	}
}

func TestDecodeConntrackMsgShort(t *testing.T) {
	if _, err := decodeConntrackMsg([]byte{1, 2}); err == nil {
		t.Fatalf("expected error for short nfgenmsg")
	}
}

func TestParseAttrsMalformedLength(t *testing.T) {
	bad := []byte{0xff, 0xff, 0, 0}
	if _, err := parseAttrs(bad); err == nil {
		t.Fatalf("expected error for oversized attribute length")
	}
}

func TestEventTypeString(t *testing.T) {
	if EventNew.String() != "NEW" || EventUpdate.String() != "UPDATE" || EventDestroy.String() != "DESTROY" {
		t.Fatalf("unexpected EventType strings")
	}
}
