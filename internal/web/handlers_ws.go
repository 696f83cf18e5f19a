package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"homescript/internal/session"
	"homescript/internal/store"
)

// WSHub manages WebSocket connections and broadcasts coordinator events.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan any

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte // hub broadcasts; closed by the hub
	sub     *store.Subscription
	session *session.Session
}

// wsMessage is the envelope of every frame sent to clients. Coordinator
// events use the same shape.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type wsSnapshot struct {
	Session string        `json:"session"`
	Deltas  []store.Delta `json:"deltas"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan any, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client too slow, mark for eviction
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg any) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// handleWS upgrades the connection and streams a snapshot of the store
// followed by every change. Each client is a session whose history is kept.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "ws"
	}
	sub, replay := s.coord.Subscribe()
	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		sub:     sub,
		session: s.sessions.Open(name, r.RemoteAddr),
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		sub.Close()
		s.sessions.Close(client.session.ID())
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client, replay)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient, replay []store.Delta) {
	defer func() {
		client.sub.Close()
		s.sessions.Close(client.session.ID())
	}()

	snap := wsMessage{Type: "snapshot", Data: wsSnapshot{Session: client.session.ID(), Deltas: nonNil(replay)}}
	if err := s.wsWriteJSON(client, snap); err != nil {
		client.conn.Close(websocket.StatusInternalError, "")
		return
	}

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				// Closed by hub.
				client.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.wsWrite(client, msg); err != nil {
				return
			}
		case d, ok := <-client.sub.C():
			if !ok {
				s.logger.Warn("ws client dropped by store (too slow)", "session", client.session.ID())
				client.conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			client.session.Record(d)
			if err := s.wsWriteJSON(client, wsMessage{Type: "delta", Data: d}); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsWriteJSON(client *wsClient, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("ws marshal", "err", err)
		return err
	}
	return s.wsWrite(client, data)
}

func (s *Server) wsWrite(client *wsClient, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clients only listen; anything they send is discarded.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
