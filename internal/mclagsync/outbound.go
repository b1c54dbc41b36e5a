package mclagsync

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"switchsync/internal/swssutil"
)

// KeyOp is one row-level change fed into the outbound Send* batchers: a
// config/state-table mutation keyed the way swss's KeyOpFieldsValuesTuple
// is, with Op one of "SET" or "DEL".
type KeyOp struct {
	Key    string
	Op     string
	Fields swssutil.FVs
}

func dumpAsKeyOps(e *Engine, table string) []KeyOp {
	snapshot, err := e.store.Dump(table)
	if err != nil {
		log.Printf("[mclagsync] resync dump %s: %v", table, err)
		return nil
	}
	out := make([]KeyOp, 0, len(snapshot))
	for key, fields := range snapshot {
		out = append(out, KeyOp{Key: key, Op: "SET", Fields: fields})
	}
	return out
}

// Resync pushes the full current state of every outbound-facing table to a
// freshly connected peer: a TCP reconnect carries no memory of what was
// already sent, so iccpd starts from nothing and must be walked through the
// whole live configuration, not just the deltas from here on.
func (e *Engine) Resync() error {
	if e.connection() == nil {
		return nil
	}
	if err := e.SendFdbEntries(dumpAsKeyOps(e, TableFdb)); err != nil {
		return fmt.Errorf("resync fdb: %w", err)
	}
	if err := e.SendDomainCfg(dumpAsKeyOps(e, TableMclagDomain)); err != nil {
		return fmt.Errorf("resync domain cfg: %w", err)
	}
	if err := e.SendMclagIfaceCfg(dumpAsKeyOps(e, TableMclagIface)); err != nil {
		return fmt.Errorf("resync interface cfg: %w", err)
	}
	if err := e.SendVlanMbr(dumpAsKeyOps(e, TableVlanMember)); err != nil {
		return fmt.Errorf("resync vlan members: %w", err)
	}
	if err := e.SendMclagUniqueIpCfg(dumpAsKeyOps(e, TableUniqueIP)); err != nil {
		return fmt.Errorf("resync unique-ip cfg: %w", err)
	}
	return nil
}

// frameBuilder accumulates encoded records into a single send buffer and
// flushes it to conn whenever the next record would overflow maxSendMsgLen,
// and again after the last record — mclagsyncdSendFdbEntries/
// processMclagDomainCfg/mclagsyncdSendMclagIfaceCfg/
// mclagsyncdSendMclagUniqueIpCfg/processVlanMemberTableUpdates all repeat
// this exact batching shape, so it is factored out once here.
type frameBuilder struct {
	conn    net.Conn
	msgType uint8
	buf     []byte
	count   int
}

func newFrameBuilder(conn net.Conn, msgType uint8) *frameBuilder {
	return &frameBuilder{conn: conn, msgType: msgType, buf: make([]byte, msgHdrLen)}
}

func (b *frameBuilder) add(record []byte) error {
	if maxSendMsgLen-len(b.buf) < len(record) {
		if err := b.flush(); err != nil {
			return err
		}
	}
	b.buf = append(b.buf, record...)
	b.count++
	return nil
}

func (b *frameBuilder) flush() error {
	if len(b.buf) <= msgHdrLen {
		return nil
	}
	hdr := header{version: protoVersion, msgType: b.msgType, msgLen: uint16(len(b.buf))}
	copy(b.buf[:msgHdrLen], hdr.encode())
	n, err := b.conn.Write(b.buf)
	if err != nil {
		return fmt.Errorf("mclagsync: write msg_type=%d: %w", b.msgType, err)
	}
	if n != len(b.buf) {
		return fmt.Errorf("mclagsync: short write msg_type=%d: %d/%d", b.msgType, n, len(b.buf))
	}
	b.buf = b.buf[:msgHdrLen]
	b.count = 0
	return nil
}

// SendFdbEntries batches FDB_TABLE changes into FDB_OPERATION frames
// (mclagsyncdSendFdbEntries). entries' keys are "Vlan<vid>:<mac>"; fields
// carry "port" and "type" ("static"/"dynamic"/"dynamic_local").
func (e *Engine) SendFdbEntries(entries []KeyOp) error {
	conn := e.connection()
	if conn == nil || len(entries) == 0 {
		return nil
	}
	fb := newFrameBuilder(conn, SyncdMsgTypeFdbOperation)
	for _, entry := range entries {
		vid, mac, ok := parseVlanMacKey(entry.Key)
		if !ok {
			log.Printf("[mclagsync] malformed fdb key %q", entry.Key)
			continue
		}
		var info fdbInfo
		copy(info.mac[:], mustParseMAC(mac))
		info.vid = vid
		info.portName, _ = entry.Fields.Get("port")
		switch typ, _ := entry.Fields.Get("type"); typ {
		case "static":
			info.typ = FdbTypeStatic
		default:
			info.typ = FdbTypeDynamic
		}
		if entry.Op == "SET" {
			info.opType = FdbOperAdd
		} else {
			info.opType = FdbOperDel
		}
		if err := fb.add(info.encode()); err != nil {
			return err
		}
	}
	return fb.flush()
}

func parseVlanMacKey(key string) (vid uint32, mac string, ok bool) {
	i := strings.Index(key, ":")
	if i < 0 || !strings.HasPrefix(key, "Vlan") {
		return 0, "", false
	}
	n, err := strconv.Atoi(key[len("Vlan"):i])
	if err != nil {
		return 0, "", false
	}
	return uint32(n), key[i+1:], true
}

func mustParseMAC(s string) []byte {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return make([]byte, macLen)
	}
	return hw
}

// SendDomainCfg diffs each changed domain against the cached state
// (processMclagDomainCfg), builds an attribute bitmap of what actually
// changed, and classifies the operation as ADD/UPDATE/ATTR_DEL/DEL.
// Keys are the domain id as a string; Fields may carry source_ip, peer_ip,
// peer_link, keepalive_interval, session_timeout.
func (e *Engine) SendDomainCfg(entries []KeyOp) error {
	conn := e.connection()
	if conn == nil || len(entries) == 0 {
		return nil
	}
	fb := newFrameBuilder(conn, SyncdMsgTypeCfgMclagDomain)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range entries {
		domainID, err := strconv.Atoi(entry.Key)
		if err != nil {
			log.Printf("[mclagsync] malformed domain key %q", entry.Key)
			continue
		}

		prev, existed := e.domains[domainID]
		next := prev

		var attrBmap, attrDelBmap int32
		setStr := func(field string, bit int32, dst *string) {
			v, present := entry.Fields.Get(field)
			if !present {
				return
			}
			if v == "" {
				if *dst != "" {
					attrDelBmap |= bit
				}
				*dst = ""
				return
			}
			if *dst != v {
				attrBmap |= bit
			}
			*dst = v
		}
		setStr("source_ip", CfgAttrSrcAddr, &next.sourceIP)
		setStr("peer_ip", CfgAttrPeerAddr, &next.peerIP)
		setStr("peer_link", CfgAttrPeerLink, &next.peerLink)
		setStr("keepalive_interval", CfgAttrKeepaliveInterval, &next.keepaliveInterval)
		setStr("session_timeout", CfgAttrSessionTimeout, &next.sessionTimeout)

		var opType int32
		switch {
		case entry.Op == "DEL":
			if !existed {
				continue
			}
			opType = CfgOperDel
			delete(e.domains, domainID)
		case !existed:
			opType = CfgOperAdd
			e.domains[domainID] = next
		case attrDelBmap != 0 && attrBmap == 0:
			opType = CfgOperAttrDel
			attrBmap = attrDelBmap
			e.domains[domainID] = next
		case attrBmap != 0 || attrDelBmap != 0:
			opType = CfgOperUpdate
			e.domains[domainID] = next
		default:
			// No change from what's cached: suppress, matching
			// processMclagDomainCfg's early return.
			continue
		}

		info := domainCfgInfo{
			opType:    opType,
			domainID:  int32(domainID),
			localIP:   next.sourceIP,
			peerIP:    next.peerIP,
			peerIfname: next.peerLink,
			attrBmap:  attrBmap,
		}
		if info.keepaliveTime, err = atoi32(next.keepaliveInterval); err != nil {
			info.keepaliveTime = 0
		}
		if info.sessionTOut, err = atoi32(next.sessionTimeout); err != nil {
			info.sessionTOut = 0
		}
		if err := fb.add(info.encode()); err != nil {
			return err
		}
	}
	return fb.flush()
}

func atoi32(s string) (int32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	return int32(n), err
}

// SendVlanMbr batches VLAN_MBR_UPDATES frames, suppressing duplicate
// add/delete transitions the way findVlanMbr/addVlanMbr/delVlanMbr do.
func (e *Engine) SendVlanMbr(entries []KeyOp) error {
	conn := e.connection()
	if conn == nil || len(entries) == 0 {
		return nil
	}
	fb := newFrameBuilder(conn, SyncdMsgTypeVlanMbrUpdates)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range entries {
		vid, iface, ok := parseVlanMbrKey(entry.Key)
		if !ok {
			continue
		}
		mbrKey := entry.Key

		var opType int32
		if entry.Op == "SET" {
			if e.vlanMbr[mbrKey] {
				continue
			}
			e.vlanMbr[mbrKey] = true
			opType = CfgOperAdd
		} else {
			if !e.vlanMbr[mbrKey] {
				continue
			}
			delete(e.vlanMbr, mbrKey)
			opType = CfgOperDel
		}

		info := vlanMbrInfo{opType: opType, vid: vid, iface: iface}
		if err := fb.add(info.encode()); err != nil {
			return err
		}
	}
	return fb.flush()
}

func parseVlanMbrKey(key string) (vid uint32, iface string, ok bool) {
	i := strings.Index(key, "|")
	if i < 0 || !strings.HasPrefix(key, "Vlan") {
		return 0, "", false
	}
	n, err := strconv.Atoi(key[len("Vlan"):i])
	if err != nil {
		return 0, "", false
	}
	return uint32(n), key[i+1:], true
}

// SyncdMsgTypeVlanMbrUpdates, SyncdMsgTypeCfgMclagIface and
// SyncdMsgTypeCfgMclagUniqueIP round out the outbound message-type set
// (mclag_syncd_msg_type_e); absent from the retrieved header, assigned
// fresh values contiguous with SyncdMsgTypeCfgMclagDomain.
const (
	SyncdMsgTypeVlanMbrUpdates     = 3
	SyncdMsgTypeCfgMclagIface      = 4
	SyncdMsgTypeCfgMclagUniqueIP   = 5
)

// mclagIfaceCfgInfo and mclagUniqueIPCfgInfo are the fixed-size wire structs
// for the remaining two outbound config message types (mclag_iface_cfg_info,
// mclag_unique_ip_cfg_info): an interface name and op ADD/DEL, plus a domain
// id in the interface struct only.
type mclagIfaceCfgInfo struct {
	opType   int32
	domainID int32
	iface    string
}

const mclagIfaceCfgInfoLen = 4 + 4 + portNameLen

func (c mclagIfaceCfgInfo) encode() []byte {
	b := make([]byte, mclagIfaceCfgInfoLen)
	putI32(b[0:4], c.opType)
	putI32(b[4:8], c.domainID)
	copy(b[8:8+portNameLen], []byte(c.iface))
	return b
}

type mclagUniqueIPCfgInfo struct {
	opType int32
	iface  string
}

const mclagUniqueIPCfgInfoLen = 4 + portNameLen

func (c mclagUniqueIPCfgInfo) encode() []byte {
	b := make([]byte, mclagUniqueIPCfgInfoLen)
	putI32(b[0:4], c.opType)
	copy(b[4:4+portNameLen], []byte(c.iface))
	return b
}

func putI32(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// SendMclagIfaceCfg batches CFG_MCLAG_IFACE frames (mclagsyncdSendMclagIfaceCfg).
// Keys are "<domain_id>|<iface>"; a DEL also clears the local port-isolation
// state for that interface, mirroring deleteLocalIfPortIsolate.
func (e *Engine) SendMclagIfaceCfg(entries []KeyOp) error {
	conn := e.connection()
	if conn == nil || len(entries) == 0 {
		return nil
	}
	fb := newFrameBuilder(conn, SyncdMsgTypeCfgMclagIface)
	for _, entry := range entries {
		i := strings.Index(entry.Key, "|")
		if i < 0 {
			continue
		}
		domainID, err := strconv.Atoi(entry.Key[:i])
		if err != nil {
			continue
		}
		iface := entry.Key[i+1:]
		info := mclagIfaceCfgInfo{domainID: int32(domainID), iface: iface}
		if entry.Op == "SET" {
			info.opType = CfgOperAdd
		} else {
			info.opType = CfgOperDel
			e.store.Del(tableLocalIntf, iface)
			e.store.FlushPipeline()
		}
		if err := fb.add(info.encode()); err != nil {
			return err
		}
	}
	return fb.flush()
}

// SendMclagUniqueIpCfg batches CFG_MCLAG_UNIQUE_IP frames
// (mclagsyncdSendMclagUniqueIpCfg). Keys are "<domain_id>|<iface>"; only the
// interface name is carried on the wire, matching the reference.
func (e *Engine) SendMclagUniqueIpCfg(entries []KeyOp) error {
	conn := e.connection()
	if conn == nil || len(entries) == 0 {
		return nil
	}
	fb := newFrameBuilder(conn, SyncdMsgTypeCfgMclagUniqueIP)
	for _, entry := range entries {
		i := strings.Index(entry.Key, "|")
		if i < 0 {
			continue
		}
		iface := entry.Key[i+1:]
		info := mclagUniqueIPCfgInfo{iface: iface}
		if entry.Op == "SET" {
			info.opType = CfgOperAdd
		} else {
			info.opType = CfgOperDel
		}
		if err := fb.add(info.encode()); err != nil {
			return err
		}
	}
	return fb.flush()
}
