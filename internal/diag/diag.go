// Package diag exposes a small read-only HTTP surface for operational
// visibility: liveness/status endpoints and a live-tail websocket, layered
// on chi the same way the donor's internal/api handlers are, with a broadcast hub
// adapted from the donor's internal/api/websocket.go.
package diag

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

// StatusProvider supplies the current system snapshot for /status.
type StatusProvider func() Status

// Status is the JSON body served at /status: the supervisor's view of its
// two supervised children plus the last heartbeat snapshot it consumed,
// exposed read-only for operators (no control-plane mutation, no
// camera/config management — this is not the GUI/API layer spec.md
// excludes).
type Status struct {
	HeartbeatAlive    bool  `json:"heartbeat_alive"`
	OrchestratorAlive bool  `json:"orchestrator_alive"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
	RestartCount      int   `json:"restart_count"`

	SnapshotTS    int64 `json:"snapshot_ts"`
	SnapshotStale bool  `json:"snapshot_stale"`
	DiskPercent   int   `json:"disk_percent"`
	CPUPercent    int   `json:"cpu_percent"`
	MemPercent    int   `json:"mem_percent"`

	RecorderHeartbeatStale bool `json:"recorder_heartbeat_stale"`
}

// Server hosts the diagnostics HTTP surface.
type Server struct {
	addr    string
	status  StatusProvider
	logger  *slog.Logger
	hub     *Hub
	httpSrv *http.Server
}

// New builds a Server bound to addr. Call Run to start listening.
func New(addr string, status StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		status: status,
		logger: logger.With("component", "diag"),
		hub:    NewHub(logger),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/status/ws", s.hub.HandleWebSocket)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run starts the server and blocks until it errors or is shut down.
func (s *Server) Run() error {
	go s.hub.Run()
	s.logger.Info("diagnostics server listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// BroadcastStatus pushes a status update to every connected websocket client.
func (s *Server) BroadcastStatus(st Status) {
	s.hub.Broadcast(st)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts JSON-encoded status snapshots to connected clients,
// adapted from the donor's internal/api/websocket.go client registry pattern without
// the per-camera subscription filtering this surface doesn't need.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs an idle Hub; call Run to start its dispatch loop.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger.With("component", "diag-hub"),
	}
}

// Run is the hub's dispatch loop; call it from a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("client buffer full, dropping status update")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast JSON-encodes v and fans it out to every connected client.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal status broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping status update")
	}
}

// HandleWebSocket upgrades the connection and registers a new client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.register <- c

	go c.writePump(h)
	go c.readPump(h)
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown() error {
	return s.httpSrv.Close()
}
