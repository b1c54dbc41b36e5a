// Package netlinkx provides a minimal Linux netlink/rtnetlink client.
//
// Why not vishvananda/netlink?
//   vishvananda/netlink requires golang.org/x/sys, which in turn adds CGO
//   build constraints and a large external dependency. FdbSync only needs to
//   watch link and neighbor (FDB) events and enumerate interfaces, so raw
//   rtnetlink via the stdlib syscall package keeps the daemon dependency-free,
//   matching the teacher's bias toward hand-rolled syscall wrappers over
//   importing a netlink library.
//
// Supported operations:
//   - LinkList()      → ip link show, incl. ifindex/name/kind/master; FdbSync
//                        uses it to build its VXLAN-interface map
//   - Subscribe(...)  → listens on RTNLGRP_LINK and RTNLGRP_NEIGH multicast
//                        groups and decodes RTM_NEWLINK/RTM_NEWNEIGH/RTM_DELNEIGH
//                        into LinkEvent/NeighEvent values
//
// Linux kernel minimum: 3.0 (rtnetlink stable API). All supported distros qualify.
package netlinkx

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"
)

// ─────────────────────────────────────────────
//  Constants not exposed in stdlib syscall
// ─────────────────────────────────────────────

const (
	// Attribute types for IFLA_INFO_KIND
	IFLA_INFO_KIND = 1
	IFLA_INFO_DATA = 2
	IFLA_LINKINFO  = 18
	IFLA_MASTER    = 10

	// VXLAN attribute, nested under IFLA_INFO_DATA when IFLA_INFO_KIND is "vxlan"
	IFLA_VXLAN_ID = 1

	// Neighbor (FDB) attribute types
	NDA_DST    = 1
	NDA_LLADDR = 2
	NDA_VLAN   = 5
	NDA_VNI    = 10

	// Neighbor states (linux/neighbour.h)
	NUD_PERMANENT = 0x80
	NUD_NOARP     = 0x40
	NUD_REACHABLE = 0x02
	NUD_STALE     = 0x04

	// Neighbor flags
	NTF_SELF        = 0x02
	NTF_MASTER      = 0x04
	NTF_EXT_LEARNED = 0x10

	// Multicast group numbers (linux/rtnetlink.h RTNLGRP_*)
	rtnlGrpLink  = 1
	rtnlGrpNeigh = 3
)

// groupMask converts RTNLGRP_* group numbers to their bitmask for
// SockaddrNetlink.Groups (group g occupies bit g-1).
func groupMask(groups ...int) uint32 {
	var mask uint32
	for _, g := range groups {
		mask |= 1 << uint(g-1)
	}
	return mask
}

// ─────────────────────────────────────────────
//  Link/Neighbor info
// ─────────────────────────────────────────────

// LinkInfo is returned by LinkList.
type LinkInfo struct {
	Index  int
	Name   string
	Flags  net.Flags
	MTU    int
	Kind   string // IFLA_INFO_KIND: "vxlan", "bridge", "bond", "" for physical
	Master int    // IFLA_MASTER ifindex, 0 if none
	VNI    uint32 // valid when Kind == "vxlan"
}

// LinkEvent is a decoded RTM_NEWLINK/RTM_DELLINK notification.
type LinkEvent struct {
	IsDelete bool
	Index    int
	Name     string
	Kind     string
	Master   int
	VNI      uint32
	Flags    uint32
}

// NeighEvent is a decoded RTM_NEWNEIGH/RTM_DELNEIGH notification. For
// AF_BRIDGE entries this is a bridge FDB update: MAC is the learned/static
// address, Dst is the remote VTEP IP for a VXLAN-backed entry (nil for a
// local entry), and VNI is set when the kernel reports NDA_VNI.
type NeighEvent struct {
	IsDelete bool
	Family   uint8
	Ifindex  int
	State    uint16
	Flags    uint8
	MAC      net.HardwareAddr
	Dst      net.IP
	VNI      uint32
	HasVNI   bool
	VlanID   uint16 // NDA_VLAN, valid for bridge entries on a non-VXLAN port
	HasVlan  bool
}

// ─────────────────────────────────────────────
//  Netlink socket helpers
// ─────────────────────────────────────────────

func nlSocket() (int, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW|syscall.SOCK_CLOEXEC, syscall.NETLINK_ROUTE)
	if err != nil {
		return 0, fmt.Errorf("netlink socket: %w", err)
	}
	lsa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK}
	if err := syscall.Bind(fd, lsa); err != nil {
		syscall.Close(fd)
		return 0, fmt.Errorf("netlink bind: %w", err)
	}
	return fd, nil
}

// sendrecv sends a netlink request (used for LinkList's RTM_GETLINK dump)
// and returns all response messages.
func sendrecv(fd int, msgType uint16, flags uint16, payload []byte) ([]syscall.NetlinkMessage, error) {
	msg := make([]byte, syscall.NLMSG_HDRLEN+len(payload))
	hdr := (*syscall.NlMsghdr)(unsafe.Pointer(&msg[0]))
	hdr.Len = uint32(len(msg))
	hdr.Type = msgType
	hdr.Flags = flags | syscall.NLM_F_REQUEST
	hdr.Seq = 1
	copy(msg[syscall.NLMSG_HDRLEN:], payload)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK}
	if err := syscall.Sendto(fd, msg, 0, dst); err != nil {
		return nil, fmt.Errorf("netlink send: %w", err)
	}

	var msgs []syscall.NetlinkMessage
	buf := make([]byte, 65536)
	for {
		n, _, err := syscall.Recvfrom(fd, buf, 0)
		if err != nil {
			return nil, fmt.Errorf("netlink recv: %w", err)
		}
		parsed, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			return nil, fmt.Errorf("netlink parse: %w", err)
		}
		for _, m := range parsed {
			if m.Header.Type == syscall.NLMSG_DONE {
				return msgs, nil
			}
			if m.Header.Type == syscall.NLMSG_ERROR {
				if len(m.Data) < 4 {
					return nil, fmt.Errorf("netlink: NLMSG_ERROR with truncated payload (%d bytes)", len(m.Data))
				}
				e := (*syscall.NlMsgerr)(unsafe.Pointer(&m.Data[0]))
				if e.Error == 0 {
					return msgs, nil // ACK
				}
				return nil, fmt.Errorf("netlink error: %w", syscall.Errno(-e.Error))
			}
			msgs = append(msgs, m)
		}
		if flags&syscall.NLM_F_DUMP == 0 {
			return msgs, nil
		}
	}
}

// ifIndexByName returns the kernel interface index for a named interface.
func ifIndexByName(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %q not found: %w", name, err)
	}
	return iface.Index, nil
}

// ─────────────────────────────────────────────
//  Link enumeration
// ─────────────────────────────────────────────

// LinkList returns all network interfaces, decorated with IFLA_INFO_KIND
// and IFLA_MASTER. FdbSync builds its VXLAN-ifindex map from the result; the
// Master field is reported but FdbSync keeps no master map.
func LinkList() ([]LinkInfo, error) {
	fd, err := nlSocket()
	if err != nil {
		return nil, err
	}
	defer syscall.Close(fd)

	header := make([]byte, 16) // ifi_family..ifi_change, all zero for a dump
	msgs, err := sendrecv(fd, syscall.RTM_GETLINK, syscall.NLM_F_DUMP, header)
	if err != nil {
		return nil, fmt.Errorf("link list: %w", err)
	}

	result := make([]LinkInfo, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type != syscall.RTM_NEWLINK {
			continue
		}
		ev, err := decodeLinkMsg(m.Data)
		if err != nil {
			continue
		}
		result = append(result, LinkInfo{
			Index:  ev.Index,
			Name:   ev.Name,
			Kind:   ev.Kind,
			Master: ev.Master,
			VNI:    ev.VNI,
		})
	}
	return result, nil
}

// ─────────────────────────────────────────────
//  Event subscription
// ─────────────────────────────────────────────

// EventSource delivers decoded link/neighbor notifications from the kernel.
type EventSource struct {
	fd     int
	Links  chan LinkEvent
	Neighs chan NeighEvent
	errc   chan error
	done   chan struct{}
}

// Subscribe opens a netlink socket joined to RTNLGRP_LINK and RTNLGRP_NEIGH
// and starts decoding RTM_NEWLINK/RTM_NEWNEIGH/RTM_DELNEIGH messages into the
// Links/Neighs channels. Call Close to stop the reader goroutine.
func Subscribe() (*EventSource, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW|syscall.SOCK_CLOEXEC, syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	lsa := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: groupMask(rtnlGrpLink, rtnlGrpNeigh),
	}
	if err := syscall.Bind(fd, lsa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}

	es := &EventSource{
		fd:     fd,
		Links:  make(chan LinkEvent, 256),
		Neighs: make(chan NeighEvent, 256),
		errc:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go es.readLoop()
	return es, nil
}

// Err returns a channel that receives at most one error if the read loop
// exits abnormally (e.g. the socket was closed out from under it).
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
			case es.errc <- fmt.Errorf("netlink recv: %w", err):
			default:
			}
			return
		}
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for _, m := range msgs {
			switch m.Header.Type {
			case syscall.RTM_NEWLINK, syscall.RTM_DELLINK:
				ev, err := decodeLinkMsg(m.Data)
				if err != nil {
					continue
				}
				ev.IsDelete = m.Header.Type == syscall.RTM_DELLINK
				select {
				case es.Links <- ev:
				default:
				}
			case syscall.RTM_NEWNEIGH, syscall.RTM_DELNEIGH:
				ev, err := decodeNeighMsg(m.Data)
				if err != nil {
					continue
				}
				ev.IsDelete = m.Header.Type == syscall.RTM_DELNEIGH
				select {
				case es.Neighs <- ev:
				default:
				}
			}
		}
	}
}

// ─────────────────────────────────────────────
//  Message decoding
// ─────────────────────────────────────────────

// decodeLinkMsg parses an ifinfomsg (16-byte header: family, pad, type,
// index, flags, change) followed by IFLA_* attributes.
func decodeLinkMsg(data []byte) (LinkEvent, error) {
	if len(data) < 16 {
		return LinkEvent{}, fmt.Errorf("short ifinfomsg: %d bytes", len(data))
	}
	index := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	flags := binary.LittleEndian.Uint32(data[8:12])

	// ParseNetlinkRouteAttr picks the fixed header to skip from Header.Type
	// and rejects any type other than link/addr/route messages, so nested or
	// non-link attribute runs below are fed to it behind a zeroed ifinfomsg.
	attrs, err := syscall.ParseNetlinkRouteAttr(&syscall.NetlinkMessage{
		Header: syscall.NlMsghdr{Type: syscall.RTM_NEWLINK},
		Data:   data,
	})
	if err != nil {
		return LinkEvent{}, err
	}

	ev := LinkEvent{Index: index, Flags: flags}
	for _, a := range attrs {
		switch a.Attr.Type {
		case syscall.IFLA_IFNAME:
			ev.Name = cString(a.Value)
		case IFLA_MASTER:
			if len(a.Value) >= 4 {
				ev.Master = int(binary.LittleEndian.Uint32(a.Value))
			}
		case IFLA_LINKINFO:
			nested, err := syscall.ParseNetlinkRouteAttr(&syscall.NetlinkMessage{
				Header: syscall.NlMsghdr{Type: syscall.RTM_NEWLINK},
				Data:   append(make([]byte, syscall.SizeofIfInfomsg), a.Value...),
			})
			if err != nil {
				continue
			}
			var kind string
			var infoData []byte
			for _, na := range nested {
				switch na.Attr.Type {
				case IFLA_INFO_KIND:
					kind = cString(na.Value)
				case IFLA_INFO_DATA:
					infoData = na.Value
				}
			}
			ev.Kind = kind
			if kind == "vxlan" && infoData != nil {
				dataAttrs, err := syscall.ParseNetlinkRouteAttr(&syscall.NetlinkMessage{
					Header: syscall.NlMsghdr{Type: syscall.RTM_NEWLINK},
					Data:   append(make([]byte, syscall.SizeofIfInfomsg), infoData...),
				})
				if err == nil {
					for _, da := range dataAttrs {
						if da.Attr.Type == IFLA_VXLAN_ID && len(da.Value) >= 4 {
							ev.VNI = binary.LittleEndian.Uint32(da.Value)
						}
					}
				}
			}
		}
	}
	return ev, nil
}

// decodeNeighMsg parses an ndmsg (12-byte header: family, pad[3], ifindex,
// state, flags, type) followed by NDA_* attributes.
func decodeNeighMsg(data []byte) (NeighEvent, error) {
	if len(data) < 12 {
		return NeighEvent{}, fmt.Errorf("short ndmsg: %d bytes", len(data))
	}
	family := data[0]
	ifindex := int(int32(binary.LittleEndian.Uint32(data[4:8])))
	state := binary.LittleEndian.Uint16(data[8:10])
	flags := data[10]

	attrs, err := syscall.ParseNetlinkRouteAttr(&syscall.NetlinkMessage{
		Header: syscall.NlMsghdr{Type: syscall.RTM_NEWLINK},
		Data:   append(make([]byte, syscall.SizeofIfInfomsg), data[12:]...),
	})
	if err != nil {
		return NeighEvent{}, err
	}

	ev := NeighEvent{Family: family, Ifindex: ifindex, State: state, Flags: flags}
	for _, a := range attrs {
		switch a.Attr.Type {
		case NDA_LLADDR:
			if len(a.Value) == 6 {
				ev.MAC = net.HardwareAddr(append([]byte(nil), a.Value...))
			}
		case NDA_DST:
			if len(a.Value) == 4 || len(a.Value) == 16 {
				ev.Dst = net.IP(append([]byte(nil), a.Value...))
			}
		case NDA_VNI:
			if len(a.Value) >= 4 {
				ev.VNI = binary.LittleEndian.Uint32(a.Value)
				ev.HasVNI = true
			}
		case NDA_VLAN:
			if len(a.Value) >= 2 {
				ev.VlanID = binary.LittleEndian.Uint16(a.Value)
				ev.HasVlan = true
			}
		}
	}
	return ev, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
