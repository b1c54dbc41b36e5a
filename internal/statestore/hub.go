package statestore

import "sync"

// hub fans published Events out to subscribers of one table, with the same
// register/unregister/broadcast operations as the teacher's
// internal/websocket.MonitorHub, but guarded by a mutex instead of a select
// loop, and carrying row-mutation events instead of operator-facing monitor
// events.
type hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

func (h *hub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher,
			// matching MonitorHub.Broadcast's non-blocking send.
		}
	}
}

// Subscribe yields a channel of (key, op, fields) events for table, in
// arrival order (spec.md §4.1). Call Unsubscribe when done.
func (s *Store) Subscribe(table string) chan Event {
	s.hubMu.Lock()
	h, ok := s.hubs[table]
	if !ok {
		h = newHub()
		s.hubs[table] = h
	}
	s.hubMu.Unlock()
	return h.subscribe()
}

// Unsubscribe detaches ch from its table's hub and closes it.
func (s *Store) Unsubscribe(table string, ch chan Event) {
	s.hubMu.RLock()
	h, ok := s.hubs[table]
	s.hubMu.RUnlock()
	if ok {
		h.unsubscribe(ch)
	}
}

func (s *Store) publish(ev Event) {
	s.hubMu.RLock()
	h, ok := s.hubs[ev.Table]
	s.hubMu.RUnlock()
	if ok {
		h.broadcast(ev)
	}
}
