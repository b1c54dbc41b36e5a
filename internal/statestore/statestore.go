// Package statestore implements the abstract ordered key-value StateStore
// contract (set/del/get/subscribe/flushPipeline/timer) that the rest of the
// core is built over. It is backed concretely by SQLite
// (github.com/mattn/go-sqlite3), matching the teacher's storage choice in
// cmd/dplaned/main.go, with an in-process publish/subscribe fan-out modeled
// on internal/websocket.MonitorHub standing in for the database's native
// pub/sub channel.
package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"switchsync/internal/swssutil"
)

// Op identifies the kind of row mutation delivered to subscribers.
type Op int

const (
	OpSet Op = iota
	OpDel
)

func (o Op) String() string {
	if o == OpSet {
		return "SET"
	}
	return "DEL"
}

// Event is a single (key, op, fields) notification, delivered to
// subscribers of a table in publication order (spec.md §4.1).
type Event struct {
	Table  string
	Key    string
	Op     Op
	Fields swssutil.FVs
}

// pendingWrite is a buffered row mutation awaiting FlushPipeline.
type pendingWrite struct {
	table  string
	key    string
	del    bool
	fields swssutil.FVs
}

// Store is the SQLite-backed StateStore. Writes go through an in-memory
// pipeline (mirroring the teacher's RedisPipeline-equivalent batching) and
// are only durable, and only fanned out to subscribers, once FlushPipeline
// runs.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	pipeline []pendingWrite

	hubMu sync.RWMutex
	hubs  map[string]*hub
}

// Open opens (creating if absent) a SQLite-backed store at path, applying
// the same WAL/busy-timeout pragma set the teacher's daemon uses.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=30000&cache=shared&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open statestore: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rows (
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		fields TEXT NOT NULL,
		PRIMARY KEY (tbl, key)
	)`); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_status (
		agent TEXT PRIMARY KEY,
		status TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create status schema: %w", err)
	}

	return &Store{db: db, hubs: make(map[string]*hub)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set buffers a row write. Visible to Get/subscribers only after
// FlushPipeline (spec.md §4.1: "writes may be pipelined and flushed later").
func (s *Store) Set(table, key string, fields swssutil.FVs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = append(s.pipeline, pendingWrite{table: table, key: key, fields: fields})
}

// Del buffers a row deletion. Idempotent: deleting an absent key is a no-op.
func (s *Store) Del(table, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = append(s.pipeline, pendingWrite{table: table, key: key, del: true})
}

// Get returns the current durable snapshot of a row, or ok=false if absent.
func (s *Store) Get(table, key string) (fields swssutil.FVs, ok bool) {
	var raw string
	err := s.db.QueryRow(`SELECT fields FROM rows WHERE tbl = ? AND key = ?`, table, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		log.Printf("[statestore] get %s/%s: %v", table, key, err)
		return nil, false
	}
	var fv swssutil.FVs
	if err := json.Unmarshal([]byte(raw), &fv); err != nil {
		log.Printf("[statestore] decode %s/%s: %v", table, key, err)
		return nil, false
	}
	return fv, true
}

// Dump returns every row currently stored in table, for warm-restart's
// readTablesToMap bulk read (spec.md §4.2).
func (s *Store) Dump(table string) (map[string]swssutil.FVs, error) {
	rows, err := s.db.Query(`SELECT key, fields FROM rows WHERE tbl = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]swssutil.FVs)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var fv swssutil.FVs
		if err := json.Unmarshal([]byte(raw), &fv); err != nil {
			return nil, err
		}
		out[key] = fv
	}
	return out, rows.Err()
}

// FlushPipeline forces durability of buffered writes, in a single
// transaction, and fans each mutation out to subscribers in the order they
// were written — matching the teacher's sql.Open WAL + explicit commit
// idiom in cmd/dplaned/main.go.
func (s *Store) FlushPipeline() error {
	s.mu.Lock()
	batch := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("flush pipeline: %w", err)
	}

	for _, w := range batch {
		if w.del {
			if _, err := tx.Exec(`DELETE FROM rows WHERE tbl = ? AND key = ?`, w.table, w.key); err != nil {
				tx.Rollback()
				return fmt.Errorf("flush del %s/%s: %w", w.table, w.key, err)
			}
			continue
		}
		raw, err := json.Marshal(w.fields)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode %s/%s: %w", w.table, w.key, err)
		}
		if _, err := tx.Exec(`INSERT INTO rows (tbl, key, fields) VALUES (?, ?, ?)
			ON CONFLICT(tbl, key) DO UPDATE SET fields = excluded.fields`, w.table, w.key, raw); err != nil {
			tx.Rollback()
			return fmt.Errorf("flush set %s/%s: %w", w.table, w.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pipeline: %w", err)
	}

	for _, w := range batch {
		op := OpSet
		if w.del {
			op = OpDel
		}
		s.publish(Event{Table: w.table, Key: w.key, Op: op, Fields: w.fields})
	}
	return nil
}

// SetStatus/GetStatus implement the persistent warm-restart status surface
// of spec.md §6.4 (INITIALIZED -> RESTORED -> RECONCILED).
func (s *Store) SetStatus(agent, status string) error {
	_, err := s.db.Exec(`INSERT INTO agent_status (agent, status) VALUES (?, ?)
		ON CONFLICT(agent) DO UPDATE SET status = excluded.status`, agent, status)
	return err
}

func (s *Store) GetStatus(agent string) (string, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM agent_status WHERE agent = ?`, agent).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

// Timer returns a one-shot channel that fires once after interval, the
// StateStore's "selectable" timer primitive (spec.md §4.1).
func Timer(interval time.Duration) <-chan time.Time {
	return time.After(interval)
}
