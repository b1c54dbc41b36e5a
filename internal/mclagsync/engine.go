package mclagsync

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"switchsync/internal/statestore"
	"switchsync/internal/swssutil"
)

func formatMACBytes(b []byte) string {
	return swssutil.FormatMAC(net.HardwareAddr(b))
}

// Table names written in response to inbound iccpd messages (mclaglink.cpp's
// p_iso_grp_tbl/p_lag_tbl/p_port_tbl/p_intf_tbl/p_fdb_tbl/p_mclag_tbl/
// p_mclag_local_intf_tbl/p_mclag_remote_intf_tbl).
const (
	tableIsolationGroup = "ACL_TABLE"
	isolationGroupKey   = "MCLAG_ISO_GRP"
	tableLag            = "LAG_TABLE"
	tablePort           = "PORT_TABLE"
	tableIntf           = "INTF_TABLE"
	tableMclagFdb       = "MCLAG_FDB_TABLE"
	tableMclagState     = "STATE_MCLAG_TABLE"
	tableLocalIntf      = "STATE_MCLAG_LOCAL_INTF_TABLE"
	tableRemoteIntf     = "STATE_MCLAG_REMOTE_INTF_TABLE"
	tableFlushFdbReq    = "FLUSHFDBREQUEST"

	portChannelPrefix = "PortChannel"
)

// Outbound-facing config table names: the set of APPL_DB/CONFIG_DB tables
// mclagsyncd subscribes to in order to forward kernel/orchestration state to
// iccpd. Exported so cmd/mclagsyncd can subscribe to exactly the tables
// Resync also reads from.
const (
	// TableFdb is the ASIC-learned kernel FDB table (distinct from
	// tableMclagFdb, which iccpd pushes into for local programming).
	TableFdb         = "FDB_TABLE"
	TableMclagDomain = "MCLAG_DOMAIN_TABLE"
	TableMclagIface  = "MCLAG_INTERFACE_TABLE"
	TableVlanMember  = "VLAN_MEMBER_TABLE"
	TableUniqueIP    = "MCLAG_UNIQUE_IP_TABLE"
)

// Engine holds the single-peer session state for a McLagSync server: the
// active connection (if any), the cached domain/VLAN-membership state needed
// to diff outbound notifications, and the StateStore the inbound handlers
// write into.
type Engine struct {
	store *statestore.Store

	mu        sync.Mutex
	conn      net.Conn
	sessionID string // per-TCP-session id, refreshed on each accept, surfaced via adminapi GET /domains
	iccpUp    bool
	domains   map[int]domainState
	vlanMbr   map[string]bool // "<vid>|<iface>" membership set, dedups SET/DEL
}

type domainState struct {
	sourceIP         string
	peerIP           string
	peerLink         string
	keepaliveInterval string
	sessionTimeout   string
}

// New builds an Engine bound to store. store is written directly (McLagSync
// has no warm-restart participation: the peer protocol reflects live iccpd
// state, not a table that can go stale across a restart).
func New(store *statestore.Store) *Engine {
	return &Engine{
		store:   store,
		domains: make(map[int]domainState),
		vlanMbr: make(map[string]bool),
	}
}

func (e *Engine) setConn(conn net.Conn) {
	e.mu.Lock()
	e.conn = conn
	if conn != nil {
		e.sessionID = uuid.NewString()
		e.domains = make(map[int]domainState)
		e.vlanMbr = make(map[string]bool)
	} else {
		e.sessionID = ""
	}
	e.mu.Unlock()
}

func (e *Engine) connection() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// SessionID returns the current peer session's identifier, or "" when no
// peer is connected. Exposed for the admin API's GET /domains endpoint.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// dispatch routes one decoded inbound frame to its handler (readData's
// msg_type switch).
func (e *Engine) dispatch(msgType uint8, payload []byte) {
	switch msgType {
	case MsgTypePortIsolate:
		e.handlePortIsolate(payload)
	case MsgTypePortMacLearnMode:
		e.handlePortMacLearnMode(payload)
	case MsgTypeFlushFdb:
		e.handleFlushFdb()
	case MsgTypeSetIntfMac:
		e.handleSetIntfMac(payload)
	case MsgTypeSetFdb:
		e.handleSetFdb(payload)
	case msgTypeSetTrafficDistEnable, msgTypeSetTrafficDistDisable:
		e.handleSetTrafficDist(payload, msgType)
	case msgTypeSetIccpState:
		e.handleSetIccpState(payload)
	case msgTypeSetIccpRole:
		e.handleSetIccpRole(payload)
	case msgTypeSetSystemID:
		e.handleSetSystemID(payload)
	case msgTypeSetPeerSystemID:
		e.handleSetPeerSystemID(payload)
	case msgTypeSetRemoteIfState:
		e.handleSetRemoteIfState(payload)
	case msgTypeDelRemoteIfInfo:
		e.handleDelRemoteIfInfo(payload)
	case msgTypeSetPeerLinkIsolation:
		e.handleSetPeerLinkIsolation(payload)
	case msgTypeDelIccpInfo:
		e.handleDelIccpInfo(payload)
	default:
		log.Printf("[mclagsync] unhandled message type %d, %d bytes", msgType, len(payload))
	}
}

// Additional inbound message types referenced by mclaglink.cpp's readData
// switch but absent from the retrieved mclag.h (see wire.go's package doc);
// assigned fresh, contiguous values continuing past MsgTypeGetFdbChanges.
const (
	msgTypeSetTrafficDistEnable  = 21
	msgTypeSetTrafficDistDisable = 22
	msgTypeSetIccpState          = 23
	msgTypeSetIccpRole           = 24
	msgTypeSetSystemID           = 25
	msgTypeSetPeerSystemID       = 26
	msgTypeSetRemoteIfState      = 27
	msgTypeDelRemoteIfInfo       = 28
	msgTypeSetPeerLinkIsolation  = 29
	msgTypeDelIccpInfo           = 30
)

// Sub-option types used by the ICCP-state/role/remote-if/peer-link handlers,
// also absent from the retrieved header.
const (
	subOptMclagID         = 10
	subOptOperStatus      = 11
	subOptIccpRole        = 12
	subOptSystemID        = 13
	subOptPeerSystemID    = 14
	subOptMclagIntfName   = 15
	subOptIsolationState  = 16
)

func (e *Engine) handlePortIsolate(payload []byte) {
	opts := decodeSubOptions(payload)
	if len(opts) < 2 {
		log.Printf("[mclagsync] port isolate: expected 2 sub-options, got %d", len(opts))
		return
	}
	srcPort := string(opts[0].value)
	dstPort := string(opts[1].value)

	if dstPort == "" {
		e.mu.Lock()
		iccpUp := e.iccpUp
		e.mu.Unlock()
		if iccpUp {
			e.store.Set(tableIsolationGroup, isolationGroupKey, swssutil.FVs{
				{Field: "DESCRIPTION", Value: "Isolation group for MCLAG"},
				{Field: "TYPE", Value: "bridge-port"},
				{Field: "PORTS", Value: srcPort},
				{Field: "MEMBERS", Value: dstPort},
			})
		} else {
			e.store.Del(tableIsolationGroup, isolationGroupKey)
		}
		e.store.FlushPipeline()
		return
	}

	e.store.Set(tableIsolationGroup, isolationGroupKey, swssutil.FVs{
		{Field: "DESCRIPTION", Value: "Isolation group for MCLAG"},
		{Field: "TYPE", Value: "bridge-port"},
		{Field: "PORTS", Value: srcPort},
		{Field: "MEMBERS", Value: dstPort},
	})
	e.store.FlushPipeline()
}

func (e *Engine) handlePortMacLearnMode(payload []byte) {
	opts := decodeSubOptions(payload)
	if len(opts) < 1 {
		return
	}
	var learnMode string
	switch opts[0].opType {
	case SubOptMacLearnEnable:
		learnMode = "hardware"
	case SubOptMacLearnDisable:
		learnMode = "disable"
	default:
		log.Printf("[mclagsync] port mac learn mode: unexpected sub-option type %d", opts[0].opType)
		return
	}
	port := string(opts[0].value)

	table := tablePort
	if strings.HasPrefix(port, portChannelPrefix) {
		table = tableLag
	}
	e.store.Set(table, port, swssutil.FVs{{Field: "learn_mode", Value: learnMode}})
	e.store.FlushPipeline()
}

// handleFlushFdb mirrors setFdbFlush's one-shot NotificationProducer send:
// a SET immediately followed by a DEL produces a single pub/sub event pair
// that subscribers treat as a trigger, not durable state.
func (e *Engine) handleFlushFdb() {
	e.store.Set(tableFlushFdbReq, "ALL", swssutil.FVs{{Field: "op", Value: "ALL"}})
	e.store.FlushPipeline()
	e.store.Del(tableFlushFdbReq, "ALL")
	e.store.FlushPipeline()
}

func (e *Engine) handleSetIntfMac(payload []byte) {
	opts := decodeSubOptions(payload)
	if len(opts) < 2 {
		return
	}
	intfKey := string(opts[0].value)
	mac := formatMACBytes(opts[1].value)
	e.store.Set(tableIntf, intfKey, swssutil.FVs{{Field: "mac_addr", Value: mac}})
	e.store.FlushPipeline()
}

// handleSetFdb decodes a run of fixed-size fdbInfo records (setFdbEntry's
// count = msg_len/sizeof(mclag_fdb_info) loop).
func (e *Engine) handleSetFdb(payload []byte) {
	for len(payload) >= fdbInfoLen {
		f, err := decodeFdbInfo(payload)
		if err != nil {
			break
		}
		payload = payload[fdbInfoLen:]

		key := fmt.Sprintf("Vlan%d:%s", f.vid, formatMACBytes(f.mac[:]))
		switch f.opType {
		case FdbOperAdd:
			fdbType := "dynamic"
			switch f.typ {
			case FdbTypeStatic:
				fdbType = "static"
			case FdbTypeDynamic:
				fdbType = "dynamic"
			}
			e.store.Set(tableMclagFdb, key, swssutil.FVs{
				{Field: "port", Value: f.portName},
				{Field: "type", Value: fdbType},
			})
		case FdbOperDel:
			e.store.Del(tableMclagFdb, key)
		}
	}
	e.store.FlushPipeline()
}

func (e *Engine) handleSetTrafficDist(payload []byte, msgType uint8) {
	opts := decodeSubOptions(payload)
	if len(opts) < 1 {
		return
	}
	lagName := string(opts[0].value)
	disable := "false"
	if msgType == msgTypeSetTrafficDistDisable {
		disable = "true"
	}
	e.store.Set(tableLag, lagName, swssutil.FVs{{Field: "traffic_disable", Value: disable}})
	e.store.FlushPipeline()
}

func subOptInt(opts []subOption, opType uint8) (int, bool) {
	for _, o := range opts {
		if o.opType == opType {
			return decodeIntOpt(o.value), true
		}
	}
	return 0, false
}

func subOptBool(opts []subOption, opType uint8) (bool, bool) {
	for _, o := range opts {
		if o.opType == opType {
			return len(o.value) > 0 && o.value[0] != 0, true
		}
	}
	return false, false
}

func subOptString(opts []subOption, opType uint8) (string, bool) {
	for _, o := range opts {
		if o.opType == opType {
			return string(o.value), true
		}
	}
	return "", false
}

func decodeIntOpt(v []byte) int {
	var n int
	for i, b := range v {
		if i >= 8 {
			break
		}
		n |= int(b) << (8 * uint(i))
	}
	return n
}

func (e *Engine) handleSetIccpState(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	up, haveUp := subOptBool(opts, subOptOperStatus)
	if mlagID <= 0 || !haveID || !haveUp {
		log.Printf("[mclagsync] invalid SET_ICCP_STATE parameters")
		return
	}
	e.mu.Lock()
	e.iccpUp = up
	e.mu.Unlock()

	status := "down"
	if up {
		status = "up"
	}
	e.store.Set(tableMclagState, strconv.Itoa(mlagID), swssutil.FVs{{Field: "oper_status", Value: status}})
	e.store.FlushPipeline()
}

func (e *Engine) handleSetIccpRole(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	if mlagID <= 0 || !haveID {
		return
	}
	var fvs swssutil.FVs
	if active, ok := subOptBool(opts, subOptIccpRole); ok {
		role := "standby"
		if active {
			role = "active"
		}
		fvs = append(fvs, swssutil.FieldValue{Field: "role", Value: role})
	}
	if mac, ok := subOptString(opts, subOptSystemID); ok {
		fvs = append(fvs, swssutil.FieldValue{Field: "system_mac", Value: formatMACBytes([]byte(mac))})
	}
	if len(fvs) == 0 {
		return
	}
	e.store.Set(tableMclagState, strconv.Itoa(mlagID), fvs)
	e.store.FlushPipeline()
}

func (e *Engine) handleSetSystemID(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	mac, haveMac := subOptString(opts, subOptSystemID)
	if mlagID <= 0 || !haveID || !haveMac {
		return
	}
	e.store.Set(tableMclagState, strconv.Itoa(mlagID), swssutil.FVs{
		{Field: "system_mac", Value: formatMACBytes([]byte(mac))},
	})
	e.store.FlushPipeline()
}

func (e *Engine) handleSetPeerSystemID(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	mac, haveMac := subOptString(opts, subOptPeerSystemID)
	if mlagID <= 0 || !haveID || !haveMac {
		return
	}
	e.store.Set(tableMclagState, strconv.Itoa(mlagID), swssutil.FVs{
		{Field: "peer_mac", Value: formatMACBytes([]byte(mac))},
	})
	e.store.FlushPipeline()
}

func (e *Engine) handleSetRemoteIfState(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	lagName, haveName := subOptString(opts, subOptMclagIntfName)
	up, haveUp := subOptBool(opts, subOptOperStatus)
	if mlagID <= 0 || !haveID || !haveName || lagName == "" || !haveUp {
		log.Printf("[mclagsync] invalid SET_REMOTE_IF_STATE parameters")
		return
	}
	status := "down"
	if up {
		status = "up"
	}
	key := strconv.Itoa(mlagID) + "|" + lagName
	e.store.Set(tableRemoteIntf, key, swssutil.FVs{{Field: "oper_status", Value: status}})
	e.store.FlushPipeline()
}

func (e *Engine) handleDelRemoteIfInfo(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	lagName, haveName := subOptString(opts, subOptMclagIntfName)
	if mlagID <= 0 || !haveID || !haveName || lagName == "" {
		return
	}
	e.store.Del(tableRemoteIntf, strconv.Itoa(mlagID)+"|"+lagName)
	e.store.FlushPipeline()
}

func (e *Engine) handleSetPeerLinkIsolation(payload []byte) {
	opts := decodeSubOptions(payload)
	ifName, haveName := subOptString(opts, subOptMclagIntfName)
	enable, haveEnable := subOptBool(opts, subOptIsolationState)
	if !haveName || ifName == "" || !haveEnable {
		log.Printf("[mclagsync] missing parameter for SET_PEER_LINK_ISOLATION")
		return
	}
	e.store.Set(tableLocalIntf, ifName, swssutil.FVs{
		{Field: "port_isolate_peer_link", Value: strconv.FormatBool(enable)},
	})
	e.store.FlushPipeline()
}

func (e *Engine) handleDelIccpInfo(payload []byte) {
	opts := decodeSubOptions(payload)
	mlagID, haveID := subOptInt(opts, subOptMclagID)
	if !haveID || mlagID <= 0 {
		return
	}
	e.store.Del(tableMclagState, strconv.Itoa(mlagID))
	e.store.FlushPipeline()
}
