package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/fleet/pulse/async"
	"github.com/teranos/fleet/pulse/progress"
)

// JobUpdateMessage is pushed to /ws/jobs clients on every job change
type JobUpdateMessage struct {
	Type     string             `json:"type"`
	Job      *async.Job         `json:"job"`
	Progress *progress.Progress `json:"progress,omitempty"`
}

// hub relays queue updates to connected clients
type hub struct {
	queue  *async.Queue
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*Client]bool
}

func newHub(queue *async.Queue, logger *zap.SugaredLogger) *hub {
	return &hub{queue: queue, logger: logger, clients: make(map[*Client]bool)}
}

func (h *hub) run(ctx context.Context) {
	updates := h.queue.Subscribe()
	defer h.queue.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case job := <-updates:
			h.broadcastMessage(jobUpdate(job))
		}
	}
}

func jobUpdate(job *async.Job) JobUpdateMessage {
	msg := JobUpdateMessage{Type: "job_update", Job: job}
	if p, err := progress.Read(job.Payload); err == nil && !p.UpdatedAt.IsZero() {
		msg.Progress = &p
	}
	return msg
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not full).
func (h *hub) broadcastMessage(msg interface{}) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		select {
		case client.sendMsg <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}
	return sent
}

func (h *hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.sendMsg)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.sendMsg)
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// checkOrigin allows clients without an Origin header, and origins matching a
// configured prefix; with none configured only localhost is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// handleJobsWebSocket streams JobUpdateMessage values until the client leaves
func (s *Server) handleJobsWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &Client{
		hub:     s.hub,
		conn:    conn,
		sendMsg: make(chan interface{}, clientBufferSize),
		logger:  s.logger,
	}
	s.hub.register(client)
	s.logger.Debugw("WebSocket client connected", "remote", r.RemoteAddr, "clients", s.hub.count())

	go client.writePump()
	go client.readPump()
}
