// Package conntrackx decodes netfilter conntrack table-change notifications
// for NatSync. It is modeled directly on internal/netlinkx's raw-syscall
// socket pattern (same dependency-free rationale: no external netlink
// library), but binds NETLINK_NETFILTER and joins the NFNLGRP_CONNTRACK_*
// multicast groups instead of NETLINK_ROUTE's RTNLGRP_* groups.
//
// Tuple/status field semantics are grounded on
// original_source/natsyncd/natsync.cpp's parseConnTrackMsg and onMsg: the
// CTA_STATUS bitfield values below (IPS_SRC_NAT_DONE, IPS_DST_NAT_DONE,
// IPS_SEEN_REPLY, IPS_ASSURED, IPS_CONFIRMED) match nf_conntrack_common.h
// exactly, since the reference reads that bitfield directly off the libnfct
// handle.
package conntrackx

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
)

const (
	netlinkNetfilter = 12 // NETLINK_NETFILTER (not in stdlib syscall)

	nfnlSubsysCTNetlink = 1

	ipctnlMsgCtNew    = 0
	ipctnlMsgCtGet    = 1
	ipctnlMsgCtDelete = 2

	// Multicast group bits (linux/netfilter/nfnetlink_compat.h NF_NETLINK_CONNTRACK_*)
	nfNetlinkConntrackNew     = 1 << 0
	nfNetlinkConntrackUpdate  = 1 << 1
	nfNetlinkConntrackDestroy = 1 << 2

	// CTA_* top-level attribute types (linux/netfilter/nfnetlink_conntrack.h)
	ctaTupleOrig  = 1
	ctaTupleReply = 2
	ctaStatus     = 3
	ctaID         = 12

	// CTA_TUPLE_* nested attribute types
	ctaTupleIP    = 1
	ctaTupleProto = 2

	// CTA_IP_* nested attribute types
	ctaIPv4Src = 1
	ctaIPv4Dst = 2

	// CTA_PROTO_* nested attribute types
	ctaProtoNum     = 1
	ctaProtoSrcPort = 2
	ctaProtoDstPort = 3
)

// IPS_* conntrack status bits (linux/netfilter/nf_conntrack_common.h).
const (
	IPSExpected    = 1 << 0
	IPSSeenReply   = 1 << 1
	IPSAssured     = 1 << 2
	IPSConfirmed   = 1 << 3
	IPSSrcNAT      = 1 << 4
	IPSDstNAT      = 1 << 5
	IPSSrcNATDone  = 1 << 7
	IPSDstNATDone  = 1 << 8
)

// EventType classifies a conntrack notification the way natsync.cpp's onMsg
// switches on NFCT_T_NEW / NFCT_T_UPDATE / NFCT_T_DESTROY.
type EventType int

const (
	EventNew EventType = iota
	EventUpdate
	EventDestroy
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "NEW"
	case EventUpdate:
		return "UPDATE"
	case EventDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// Tuple is one direction (original or reply) of a conntrack 5-tuple.
type Tuple struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Proto   uint8 // IPPROTO_TCP (6) or IPPROTO_UDP (17)
}

// Event is a decoded conntrack table-change notification.
type Event struct {
	Type   EventType
	ID     uint32
	Status uint32
	Orig   Tuple
	Reply  Tuple
}

// IsTCP/IsUDP mirror natsync.cpp's protocol filter (only TCP and UDP are
// NAT-relevant; ICMP and others are dropped by the caller).
func (e Event) IsTCP() bool { return e.Orig.Proto == syscall.IPPROTO_TCP }
func (e Event) IsUDP() bool { return e.Orig.Proto == syscall.IPPROTO_UDP }

// EventSource delivers decoded conntrack events from the kernel.
type EventSource struct {
	fd   int
	Events chan Event
	errc chan error
	done chan struct{}
}

// Subscribe opens a NETLINK_NETFILTER socket joined to the conntrack
// new/update/destroy multicast groups.
func Subscribe() (*EventSource, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW|syscall.SOCK_CLOEXEC, netlinkNetfilter)
	if err != nil {
		return nil, fmt.Errorf("conntrack socket: %w", err)
	}
	lsa := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: nfNetlinkConntrackNew | nfNetlinkConntrackUpdate | nfNetlinkConntrackDestroy,
	}
	if err := syscall.Bind(fd, lsa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("conntrack bind: %w", err)
	}

	es := &EventSource{
		fd:     fd,
		Events: make(chan Event, 256),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go es.readLoop()
	return es, nil
}

// Err returns a channel that receives at most one error if the read loop
// exits abnormally.
func (es *EventSource) Err() <-chan error { return es.errc }

// Close stops the reader goroutine and releases the socket.
func (es *EventSource) Close() error {
	close(es.done)
	return syscall.Close(es.fd)
}

func (es *EventSource) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, _, err := syscall.Recvfrom(es.fd, buf, 0)
		select {
		case <-es.done:
			return
		default:
		}
		if err != nil {
			select {
			case es.errc <- fmt.Errorf("conntrack recv: %w", err):
			default:
			}
			return
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for _, m := range msgs {
			subsys := uint8(m.Header.Type >> 8)
			msgType := uint8(m.Header.Type & 0xff)
			if subsys != nfnlSubsysCTNetlink {
				continue
			}
			ev, err := decodeConntrackMsg(m.Data)
			if err != nil {
				continue
			}
			switch msgType {
			case ipctnlMsgCtNew:
				if m.Header.Flags&syscall.NLM_F_CREATE != 0 && m.Header.Flags&syscall.NLM_F_EXCL != 0 {
					ev.Type = EventNew
				} else {
					ev.Type = EventUpdate
				}
			case ipctnlMsgCtDelete:
				ev.Type = EventDestroy
			default:
				continue
			}
			select {
			case es.Events <- ev:
			default:
			}
		}
	}
}

// decodeConntrackMsg parses the 4-byte nfgenmsg header (family, version,
// res_id[2]) followed by CTA_* attributes.
func decodeConntrackMsg(data []byte) (Event, error) {
	if len(data) < 4 {
		return Event{}, fmt.Errorf("short nfgenmsg: %d bytes", len(data))
	}
	attrs, err := parseAttrs(data[4:])
	if err != nil {
		return Event{}, err
	}

	var ev Event
	for _, a := range attrs {
		switch a.typ {
		case ctaTupleOrig:
			ev.Orig, err = decodeTuple(a.value)
			if err != nil {
				return Event{}, err
			}
		case ctaTupleReply:
			ev.Reply, err = decodeTuple(a.value)
			if err != nil {
				return Event{}, err
			}
		case ctaStatus:
			if len(a.value) >= 4 {
				ev.Status = binary.BigEndian.Uint32(a.value)
			}
		case ctaID:
			if len(a.value) >= 4 {
				ev.ID = binary.BigEndian.Uint32(a.value)
			}
		}
	}
	return ev, nil
}

func decodeTuple(data []byte) (Tuple, error) {
	attrs, err := parseAttrs(data)
	if err != nil {
		return Tuple{}, err
	}
	var t Tuple
	for _, a := range attrs {
		switch a.typ {
		case ctaTupleIP:
			ipAttrs, err := parseAttrs(a.value)
			if err != nil {
				continue
			}
			for _, ia := range ipAttrs {
				switch ia.typ {
				case ctaIPv4Src:
					t.SrcIP = net.IP(append([]byte(nil), ia.value...))
				case ctaIPv4Dst:
					t.DstIP = net.IP(append([]byte(nil), ia.value...))
				}
			}
		case ctaTupleProto:
			protoAttrs, err := parseAttrs(a.value)
			if err != nil {
				continue
			}
			for _, pa := range protoAttrs {
				switch pa.typ {
				case ctaProtoNum:
					if len(pa.value) >= 1 {
						t.Proto = pa.value[0]
					}
				case ctaProtoSrcPort:
					if len(pa.value) >= 2 {
						t.SrcPort = binary.BigEndian.Uint16(pa.value)
					}
				case ctaProtoDstPort:
					if len(pa.value) >= 2 {
						t.DstPort = binary.BigEndian.Uint16(pa.value)
					}
				}
			}
		}
	}
	return t, nil
}

// nfAttr is a single netfilter netlink attribute (nfattr), distinct from
// rtnetlink's rtattr: same {len, type, value} shape but netfilter values are
// network-byte-order, so it is decoded by hand rather than via
// syscall.ParseNetlinkRouteAttr (which assumes host-order rtattr padding
// only, not nfattr's NLA_F_NESTED/NLA_F_NET_BYTEORDER type flags).
type nfAttr struct {
	typ   uint16
	value []byte
}

const (
	nlaFNested      = 1 << 15
	nlaFNetByteorder = 1 << 14
	nlaTypeMask     = ^uint16(nlaFNested | nlaFNetByteorder)
)

func parseAttrs(data []byte) ([]nfAttr, error) {
	// Attribute headers (nla_len, nla_type) are host byte order, like every
	// other netlink attribute header; only the payload values below (IPs,
	// ports, the status word) are network byte order.
	var attrs []nfAttr
	for len(data) >= 4 {
		length := binary.LittleEndian.Uint16(data[0:2])
		typ := binary.LittleEndian.Uint16(data[2:4]) & nlaTypeMask
		if length < 4 || int(length) > len(data) {
			return nil, fmt.Errorf("malformed nfattr: length %d exceeds remaining %d bytes", length, len(data))
		}
		attrs = append(attrs, nfAttr{typ: typ, value: data[4:length]})
		padded := (int(length) + 3) &^ 3
		if padded > len(data) {
			padded = len(data)
		}
		data = data[padded:]
	}
	return attrs, nil
}
