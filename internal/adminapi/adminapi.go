// Package adminapi exposes the read-only HTTP surface each agent runs
// alongside its sync loop: liveness, warm-restart status, and (for
// McLagSync) the live peer session, plus a live row-mutation feed over
// websocket and a single authenticated mutating endpoint that forces an
// early reconcile. Routing follows the teacher's mux.NewRouter() handler
// wiring in cmd/dplaned/main.go.
package adminapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"switchsync/internal/adminauth"
	"switchsync/internal/statestore"
	"switchsync/internal/warmrestart"
)

// DomainLister is implemented by mclagsync.Engine to surface its live
// session for GET /domains. Agents without a peer session (FdbSync,
// NatSync) simply don't register this.
type DomainLister interface {
	SessionID() string
}

// Server wires an agent's warm-restart Assist and StateStore to a small
// read-mostly HTTP surface.
type Server struct {
	agent   string
	assist  *warmrestart.Assist
	store   *statestore.Store
	auth    *adminauth.Authenticator
	peer    DomainLister
	hub     *MonitorHub
	router  *mux.Router
	upgrade websocket.Upgrader
}

// New builds the router. auth may be nil, in which case POST
// /reconcile/force is refused outright (fails closed, not open). peer may
// be nil for agents with no peer session to report.
func New(agent string, assist *warmrestart.Assist, store *statestore.Store, auth *adminauth.Authenticator, peer DomainLister) *Server {
	s := &Server{
		agent:  agent,
		assist: assist,
		store:  store,
		auth:   auth,
		peer:   peer,
		hub:    NewMonitorHub(),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/domains", s.handleDomains).Methods(http.MethodGet)
	s.router.HandleFunc("/reconcile/force", s.handleForceReconcile).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/monitor", s.handleMonitorWS)
	return s
}

// Router exposes the underlying handler for http.Server.Handler.
func (s *Server) Router() http.Handler { return s.router }

// WatchTable subscribes to table's row mutations and republishes each one
// to connected monitor clients until ctx-equivalent stop is closed.
func (s *Server) WatchTable(table string, stop <-chan struct{}) {
	ch := s.store.Subscribe(table)
	defer s.store.Unsubscribe(table, ch)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Broadcast(ev.Table, map[string]any{
				"key":    ev.Key,
				"op":     ev.Op.String(),
				"fields": ev.Fields,
			})
		case <-stop:
			return
		}
	}
}

// Run starts the monitor hub's broadcast loop; call once before serving.
func (s *Server) Run() { go s.hub.Run() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[adminapi] encode response: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetStatus(s.agent)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := map[string]any{"agent": s.agent, "status": status}
	if s.assist != nil {
		// McLagSync has no Assist (no warm-restart cache, see engine.New's
		// doc comment) so these fields are simply omitted for it.
		resp["warmStartActive"] = s.assist.IsWarmStartInProgress()
		resp["cacheDepth"] = s.assist.CacheDepth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	if s.peer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no peer session for this agent"})
		return
	}
	id := s.peer.SessionID()
	connected := id != ""
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": connected,
		"sessionId": id,
	})
}

func (s *Server) handleForceReconcile(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin authentication is not configured"})
		return
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="switchsync admin"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "basic auth required"})
		return
	}
	if err := s.auth.Authenticate(username, password); err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="switchsync admin"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
		return
	}
	if s.assist == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "this agent has no reconcile cache to force"})
		return
	}
	if err := s.assist.Reconcile(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (s *Server) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[adminapi] websocket upgrade: %v", err)
		return
	}
	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
