// Package mclagsync implements McLagSync: a length-framed TCP peer protocol
// server that the MCLAG control-plane process (iccpd) connects to, carrying
// FDB operations, domain/VLAN-membership configuration, and port-isolation
// commands between the two processes.
//
// Grounded on original_source/mclagsyncd/mclag.h and mclaglink.{h,cpp}: the
// header/sub-option TLV shapes, the message-type dispatch table, the
// outbound 4096-byte send-buffer batching (mclagsyncdSendFdbEntries,
// processMclagDomainCfg), and the domain attribute-bitmap diffing are
// carried over as-is; only the constants that were not present in the
// retrieved header were assigned fresh, contiguous values: here
// MCLAG_CFG_ATTR_*, MCLAG_CFG_OPER_* and
// MCLAG_SYNCD_MSG_TYPE_CFG_MCLAG_DOMAIN, plus further inbound message and
// sub-option types in engine.go and outbound message types in outbound.go,
// documented in DESIGN.md.
package mclagsync

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultPort is the TCP port iccpd connects to (MCLAG_DEFAULT_PORT).
	DefaultPort = 2626

	protoVersion = 1

	msgHdrLen    = 4 // version(1) + msg_type(1) + msg_len(2)
	subOptHdrLen = 3 // op_type(1) + op_len(2)

	maxMsgLen     = 4096
	maxSendMsgLen = 4096

	portNameLen = 20 // MAX_L_PORT_NAME
	ipStrLen    = 16 // INET_ADDRSTRLEN
	macLen      = 6  // ETHER_ADDR_LEN
)

// Inbound message types, iccpd -> syncd (mclag_msg_type_e).
const (
	MsgTypeNone             = 0
	MsgTypePortIsolate      = 1
	MsgTypePortMacLearnMode = 2
	MsgTypeFlushFdb         = 3
	MsgTypeSetIntfMac       = 4
	MsgTypeSetFdb           = 5
	MsgTypeFlushFdbByPort   = 6
	MsgTypeGetFdbChanges    = 20
)

// Outbound message types, syncd -> iccpd (mclag_syncd_msg_type_e).
const (
	SyncdMsgTypeNone           = 0
	SyncdMsgTypeFdbOperation   = 1
	SyncdMsgTypeCfgMclagDomain = 2
)

// Sub-option TLV types carried inside PORT_ISOLATE / PORT_MAC_LEARN_MODE
// payloads (mclag_sub_option_type_e).
const (
	SubOptNone            = 0
	SubOptIsolateSrc      = 1
	SubOptIsolateDst      = 2
	SubOptMacLearnEnable  = 3
	SubOptMacLearnDisable = 4
	SubOptSetMacSrc       = 5
	SubOptSetMacDst       = 6
)

// FDB entry op/type wire values (mclag_fdb_info).
const (
	FdbOperAdd = 1
	FdbOperDel = 2
)

const (
	FdbTypeStatic  = 1
	FdbTypeDynamic = 2
)

// Domain-config attribute bitmap and operation type. These five attributes
// and four operation kinds are the ones processMclagDomainCfg's diff logic
// actually distinguishes; bit/value assignment is ours (see package doc).
const (
	CfgAttrNone              = 0
	CfgAttrSrcAddr           = 1 << 0
	CfgAttrPeerAddr          = 1 << 1
	CfgAttrPeerLink          = 1 << 2
	CfgAttrKeepaliveInterval = 1 << 3
	CfgAttrSessionTimeout    = 1 << 4
)

const (
	CfgOperNone    = 0
	CfgOperAdd     = 1
	CfgOperDel     = 2
	CfgOperUpdate  = 3
	CfgOperAttrDel = 4
)

// header is the 4-byte mclag_msg_hdr_t.
type header struct {
	version uint8
	msgType uint8
	msgLen  uint16
}

func decodeHeader(b []byte) (header, error) {
	if len(b) < msgHdrLen {
		return header{}, fmt.Errorf("mclagsync: short header: %d bytes", len(b))
	}
	return header{
		version: b[0],
		msgType: b[1],
		msgLen:  binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

func (h header) encode() []byte {
	b := make([]byte, msgHdrLen)
	b[0] = h.version
	b[1] = h.msgType
	binary.LittleEndian.PutUint16(b[2:4], h.msgLen)
	return b
}

// valid mirrors mclag_msg_hdr_ok/mclag_msg_ok: a usable header has a
// non-NONE type and a length within [msgHdrLen, maxMsgLen], and must not
// claim more bytes than are actually available.
func (h header) valid(available int) bool {
	if h.msgType == MsgTypeNone {
		return false
	}
	if int(h.msgLen) < msgHdrLen || int(h.msgLen) > maxMsgLen {
		return false
	}
	return int(h.msgLen) <= available
}

// subOption is the 3-byte mclag_sub_option_hdr_t plus its value.
type subOption struct {
	opType uint8
	value  []byte
}

// decodeSubOptions walks a TLV run to the end of the buffer, advancing
// opLen+subOptHdrLen bytes per tuple (mclag_sub_option_hdr_t's op_len does
// not include the header itself).
func decodeSubOptions(b []byte) []subOption {
	var opts []subOption
	for len(b) >= subOptHdrLen {
		opType := b[0]
		opLen := int(binary.LittleEndian.Uint16(b[1:3]))
		b = b[subOptHdrLen:]
		if opLen > len(b) {
			opLen = len(b)
		}
		opts = append(opts, subOption{opType: opType, value: b[:opLen]})
		b = b[opLen:]
	}
	return opts
}

func encodeSubOption(opType uint8, value []byte) []byte {
	b := make([]byte, subOptHdrLen+len(value))
	b[0] = opType
	binary.LittleEndian.PutUint16(b[1:3], uint16(len(value)))
	copy(b[subOptHdrLen:], value)
	return b
}

// fdbInfo is the fixed-size mclag_fdb_info wire struct: mac[6] + vid(u32) +
// port_name[20] + type(i16) + op_type(i16) = 34 bytes.
type fdbInfo struct {
	mac      [macLen]byte
	vid      uint32
	portName string
	typ      int16
	opType   int16
}

const fdbInfoLen = macLen + 4 + portNameLen + 2 + 2

func (f fdbInfo) encode() []byte {
	b := make([]byte, fdbInfoLen)
	copy(b[0:macLen], f.mac[:])
	binary.LittleEndian.PutUint32(b[macLen:macLen+4], f.vid)
	copy(b[macLen+4:macLen+4+portNameLen], []byte(f.portName))
	binary.LittleEndian.PutUint16(b[macLen+4+portNameLen:macLen+6+portNameLen], uint16(f.typ))
	binary.LittleEndian.PutUint16(b[macLen+6+portNameLen:macLen+8+portNameLen], uint16(f.opType))
	return b
}

func decodeFdbInfo(b []byte) (fdbInfo, error) {
	if len(b) < fdbInfoLen {
		return fdbInfo{}, fmt.Errorf("mclagsync: short fdb_info: %d bytes", len(b))
	}
	var f fdbInfo
	copy(f.mac[:], b[0:macLen])
	f.vid = binary.LittleEndian.Uint32(b[macLen : macLen+4])
	f.portName = cStringN(b[macLen+4 : macLen+4+portNameLen])
	f.typ = int16(binary.LittleEndian.Uint16(b[macLen+4+portNameLen : macLen+6+portNameLen]))
	f.opType = int16(binary.LittleEndian.Uint16(b[macLen+6+portNameLen : macLen+8+portNameLen]))
	return f, nil
}

// domainCfgInfo is the fixed-size mclag_domain_cfg_info wire struct.
type domainCfgInfo struct {
	opType        int32
	domainID      int32
	keepaliveTime int32
	sessionTOut   int32
	localIP       string
	peerIP        string
	peerIfname    string
	systemMAC     [macLen]byte
	attrBmap      int32
}

const domainCfgInfoLen = 4 + 4 + 4 + 4 + ipStrLen + ipStrLen + portNameLen + macLen + 4

func (d domainCfgInfo) encode() []byte {
	b := make([]byte, domainCfgInfoLen)
	off := 0
	putI32 := func(v int32) {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(v))
		off += 4
	}
	putStr := func(s string, n int) {
		copy(b[off:off+n], []byte(s))
		off += n
	}
	putI32(d.opType)
	putI32(d.domainID)
	putI32(d.keepaliveTime)
	putI32(d.sessionTOut)
	putStr(d.localIP, ipStrLen)
	putStr(d.peerIP, ipStrLen)
	putStr(d.peerIfname, portNameLen)
	copy(b[off:off+macLen], d.systemMAC[:])
	off += macLen
	putI32(d.attrBmap)
	return b
}

// vlanMbrInfo is the fixed-size mclag_vlan_mbr_info wire struct.
type vlanMbrInfo struct {
	opType int32
	vid    uint32
	iface  string
}

const vlanMbrInfoLen = 4 + 4 + portNameLen

func (v vlanMbrInfo) encode() []byte {
	b := make([]byte, vlanMbrInfoLen)
	binary.LittleEndian.PutUint32(b[0:4], uint32(v.opType))
	binary.LittleEndian.PutUint32(b[4:8], v.vid)
	copy(b[8:8+portNameLen], []byte(v.iface))
	return b
}

func cStringN(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
