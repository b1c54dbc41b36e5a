package adminapi

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RowEvent is a single row mutation fanned out to connected operators, in
// place of the teacher's free-form MonitorEvent: the table name doubles as
// the event type, since that's the only dimension an operator watching
// this feed cares about.
type RowEvent struct {
	Table     string    `json:"table"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MonitorHub fans out row-mutation events to connected websocket clients,
// adapted from the teacher's internal/websocket.MonitorHub: same
// register/unregister/broadcast select loop, narrowed to one event shape.
type MonitorHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan RowEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
}

func NewMonitorHub() *MonitorHub {
	return &MonitorHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan RowEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's event loop; call it once, before Register is used.
func (h *MonitorHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Printf("[adminapi] monitor client connected, total: %d", len(h.clients))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()
			log.Printf("[adminapi] monitor client disconnected, total: %d", len(h.clients))

		case event := <-h.broadcast:
			// Use Lock (not RLock): a failed write deletes from the map.
			h.mutex.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("[adminapi] websocket write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *MonitorHub) Register(conn *websocket.Conn)   { h.register <- conn }
func (h *MonitorHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Broadcast sends a row event to all connected clients, non-blocking.
func (h *MonitorHub) Broadcast(table string, data any) {
	event := RowEvent{Table: table, Timestamp: time.Now(), Data: data}
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[adminapi] monitor broadcast channel full, event dropped")
	}
}
