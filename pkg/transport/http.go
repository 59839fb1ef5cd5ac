// Package transport is the gateway's local pub/sub fabric (spec 6):
// a JSON command endpoint, a websocket diagnostics stream and a
// system-events ignition receiver. The original tooling used ZeroMQ
// PUB/REP sockets with no Go equivalent in the example corpus; this
// implementation substitutes gorilla/mux for request routing and
// gorilla/websocket for the fan-out stream, the same stack
// iload-obd2's live dashboard uses.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tp2diag/gateway/pkg/control"
)

// IgnitionReceiver is the subset of *scheduler.Scheduler the
// system-events endpoint drives.
type IgnitionReceiver interface {
	SetIgnition(level bool)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the command endpoint, the diagnostics websocket and
// the ignition receiver over HTTP.
type Server struct {
	logger   *slog.Logger
	port     control.Port
	ignition IgnitionReceiver
	router   *mux.Router
	http     *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewServer(addr string, port control.Port, ignition IgnitionReceiver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger.With("component", "transport"),
		port:     port,
		ignition: ignition,
		clients:  map[*websocket.Conn]bool{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	router.HandleFunc("/system-events", s.handleSystemEvent).Methods(http.MethodPost)
	router.HandleFunc("/ws", s.handleWebSocket)
	s.router = router
	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// ListenAndServe blocks serving the command/diagnostics endpoints.
// Callers typically run it in its own goroutine.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Close tears the server down, closing every websocket client.
func (s *Server) Close() error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = map[*websocket.Conn]bool{}
	s.mu.Unlock()
	return s.http.Close()
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, map[string]any{"status": "error", "message": "malformed request: " + err.Error()})
		return
	}

	reply, err := control.Dispatch(r.Context(), s.port, cmd)
	if err != nil {
		writeJSON(w, map[string]any{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, reply)
}

type systemEvent struct {
	KL15 *bool `json:"kl15"`
}

func (s *Server) handleSystemEvent(w http.ResponseWriter, r *http.Request) {
	var event systemEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil || event.KL15 == nil {
		writeJSON(w, map[string]any{"status": "error", "message": "missing kl15 field"})
		return
	}
	s.ignition.SetIgnition(*event.KL15)
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The diagnostics stream is outbound-only; keep reading so we
	// notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish implements scheduler.Publisher, fanning payload out to every
// connected diagnostics-stream client under topic.
func (s *Server) Publish(topic string, payload any) error {
	envelope, err := json.Marshal(map[string]any{"topic": topic, "payload": payload})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, envelope); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
