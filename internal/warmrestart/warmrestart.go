// Package warmrestart implements WarmRestartAssist, the generic
// diff-and-publish reconciliation cache described in spec.md §3.2/§4.2. It
// is the direct generalization of the teacher's internal/reconciler.Run
// (diff desired state against live truth, then reapply what's missing) and
// internal/gitops's diff/apply/state trio (DiffAction, ComputeDiff, Plan):
// same "diff a snapshot against live truth, classify, apply" shape,
// generalized here from ZFS/share resources to arbitrary table rows and
// from a one-shot boot pass to a timer-windowed streaming cache.
package warmrestart

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"switchsync/internal/statestore"
	"switchsync/internal/swssutil"
)

// Tag is the reconciliation state of a single cached row (spec.md §3.2).
type Tag int

const (
	Stale Tag = iota
	Same
	New
	Delete
)

func (t Tag) String() string {
	switch t {
	case Stale:
		return "STALE"
	case Same:
		return "SAME"
	case New:
		return "NEW"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// cacheTagField is the reserved field name the tag is stored under so that
// it can ride alongside a row's fields; it MUST be excluded from equality
// comparisons (spec.md §3.2).
const cacheTagField = "__wra_tag"

// MaxReconcileTimer bounds the configurable reconcile window. A timer
// outside (0, MaxReconcileTimer] is rejected at construction (spec.md §8
// boundary cases).
const MaxReconcileTimer = 60 * time.Minute

// DefaultReconcileTimer matches the reference's per-agent default
// (fdbsync/natsync both define a 30s DEFAULT_*_WARMSTART_TIMER).
const DefaultReconcileTimer = 30 * time.Second

// ErrCacheStateMissing is returned, wrapped with the table and key, by
// Reconcile when a cached row carries a tag it does not recognize.
var ErrCacheStateMissing = errors.New("warmrestart: cache state field missing")

type cacheRow struct {
	fields swssutil.FVs
	tag    Tag
}

// Assist is the warm-restart reconciliation cache for one agent. It holds
// one cacheMap per registered table and the reconcile timer/in-progress
// gate from spec.md §3.2.
type Assist struct {
	store      *statestore.Store
	agentName  string
	timerValue time.Duration

	mu         sync.Mutex
	tables     []string
	cache      map[string]map[string]*cacheRow
	inProgress bool

	timer        *time.Timer
	timerStopped bool
}

// NewAssist constructs the cache for agentName, backed by store, with a
// reconcile window of timerValue. Rejects timerValue <= 0 or > MaxReconcileTimer
// (spec.md §8: "Reconcile timer exactly zero -> rejected at construction",
// "Reconcile timer > MAX -> rejected at construction"), mirroring the
// reference constructor's validation of defaultWarmStartTimerValue.
func NewAssist(store *statestore.Store, agentName string, timerValue time.Duration) (*Assist, error) {
	if timerValue <= 0 {
		return nil, fmt.Errorf("warmrestart: reconcile timer must be > 0, got %v", timerValue)
	}
	if timerValue > MaxReconcileTimer {
		return nil, fmt.Errorf("warmrestart: reconcile timer %v exceeds maximum %v", timerValue, MaxReconcileTimer)
	}
	return &Assist{
		store:      store,
		agentName:  agentName,
		timerValue: timerValue,
		cache:      make(map[string]map[string]*cacheRow),
		inProgress: true,
	}, nil
}

// RegisterTable binds a logical table name so ReadTablesToMap/Reconcile know
// to operate on it. Must be called before ReadTablesToMap.
func (a *Assist) RegisterTable(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tables {
		if t == name {
			return
		}
	}
	a.tables = append(a.tables, name)
	a.cache[name] = make(map[string]*cacheRow)
}

// ReadTablesToMap bulk-reads every registered table and populates cacheMap
// with tag Stale, then sets the persistent warm-restart status to RESTORED
// (spec.md §4.2).
func (a *Assist) ReadTablesToMap() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, table := range a.tables {
		rows, err := a.store.Dump(table)
		if err != nil {
			return fmt.Errorf("read table %s to map: %w", table, err)
		}
		for key, fields := range rows {
			a.cache[table][key] = &cacheRow{fields: fields, tag: Stale}
		}
		log.Printf("[warmrestart] %s: staged %d rows from %s as STALE", a.agentName, len(rows), table)
	}

	if err := a.store.SetStatus(a.agentName, "RESTORED"); err != nil {
		return fmt.Errorf("set status RESTORED: %w", err)
	}
	return nil
}

// InsertToMap applies the tag-transition rules of spec.md §3.2:
//   - isDelete and key exists -> tag Delete
//   - key exists, fields equal (ignoring the tag field) -> tag Same
//   - key exists, fields differ -> replace, tag New
//   - key absent -> insert, tag New
func (a *Assist) InsertToMap(table, key string, fields swssutil.FVs, isDelete bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tbl, ok := a.cache[table]
	if !ok {
		tbl = make(map[string]*cacheRow)
		a.cache[table] = tbl
	}

	existing, exists := tbl[key]
	if isDelete {
		if exists {
			existing.tag = Delete
		} else {
			// Nothing cached to delete; record it so a later reconcile
			// still issues the downstream delete.
			tbl[key] = &cacheRow{fields: fields, tag: Delete}
		}
		return
	}

	if !exists {
		tbl[key] = &cacheRow{fields: fields, tag: New}
		return
	}

	if swssutil.Equal(existing.fields, fields, cacheTagField) {
		existing.tag = Same
		return
	}
	existing.fields = fields
	existing.tag = New
}

// StartReconcileTimer installs the one-shot reconcile timer and returns its
// fire channel for the agent's event loop to select on.
func (a *Assist) StartReconcileTimer() <-chan time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = time.NewTimer(a.timerValue)
	a.timerStopped = false
	return a.timer.C
}

// StopReconcileTimer removes the timer without firing it. Per spec.md §4.2,
// if the timer is stopped before firing, no reconcile occurs and the cache
// is left untouched; IsWarmStartInProgress keeps returning true.
func (a *Assist) StopReconcileTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerStopped = true
}

// CheckReconcileTimer reports whether the given fire channel belongs to
// this Assist's reconcile timer — a tagged-sum-style dispatch discriminator
// for the agent's select loop.
func (a *Assist) CheckReconcileTimer(fired <-chan time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil && fired == a.timer.C
}

// Reconcile drains cacheMap per spec.md §3.2: Same is a no-op, Stale/Delete
// deletes the key downstream, New publishes the fields downstream; the
// cache is then cleared and the agent leaves warm-start mode.
func (a *Assist) Reconcile() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for table, rows := range a.cache {
		for key, row := range rows {
			switch row.tag {
			case Same:
				// no-op
			case Stale, Delete:
				a.store.Del(table, key)
			case New:
				a.store.Set(table, key, row.fields)
			default:
				// Cache tag not found/unrecognized during reconcile is an
				// invariant violation per spec.md §7; the reference throws
				// here. We fail the reconcile pass loudly rather than
				// silently dropping the row.
				return fmt.Errorf("reconcile %s/%s: %w: tag=%v", table, key, ErrCacheStateMissing, row.tag)
			}
		}
	}

	if err := a.store.FlushPipeline(); err != nil {
		return fmt.Errorf("reconcile flush: %w", err)
	}

	a.cache = make(map[string]map[string]*cacheRow)
	for _, t := range a.tables {
		a.cache[t] = make(map[string]*cacheRow)
	}
	a.inProgress = false

	if err := a.store.SetStatus(a.agentName, "RECONCILED"); err != nil {
		return fmt.Errorf("set status RECONCILED: %w", err)
	}
	log.Printf("[warmrestart] %s: reconcile complete, cache cleared", a.agentName)
	return nil
}

// IsWarmStartInProgress is the gate agents consult before deciding whether
// to route a row mutation through InsertToMap or directly to the store.
func (a *Assist) IsWarmStartInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

// CacheDepth reports the number of cached rows per table, surfaced on the
// admin API's status endpoint.
func (a *Assist) CacheDepth() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.cache))
	for t, rows := range a.cache {
		out[t] = len(rows)
	}
	return out
}
