// Package dashboard implements a read-only websocket feed of job updates,
// grounded on pool/ws/websocket.go's hub-of-clients-with-a-write-pump
// shape but trimmed from a full stats/blocks/shares pub-sub surface to a
// single message type: this proxy has no miner-identity or share-rate data
// of its own to publish, since share validation happens at the node.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensyria/veilstratum/internal/stratum"
)

type MessageType string

const (
	MsgTypeJobUpdate MessageType = "job_update"
	MsgTypePing      MessageType = "ping"
	MsgTypePong      MessageType = "pong"
)

type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type jobUpdatePayload struct {
	Dialect string `json:"dialect"`
	JobID   string `json:"job_id"`
	Height  int64  `json:"height"`
	Target  string `json:"target"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out job_update messages to every connected websocket client. It
// implements stratum.Subscriber so a BackendClient can register it exactly
// like a ClientSession.
type Hub struct {
	dialect string
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

var _ stratum.Subscriber = (*Hub)(nil)

func NewHub(dialect string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		dialect: dialect,
		logger:  logger.With("component", "dashboard", "dialect", dialect),
		clients: make(map[*client]struct{}),
	}
}

// NotifyJob implements stratum.Subscriber; called from a detached
// per-subscriber goroutine, so broadcast must not block on any one slow
// client.
func (h *Hub) NotifyJob(job *stratum.Job) {
	msg := Message{
		Type: MsgTypeJobUpdate,
		Data: jobUpdatePayload{
			Dialect: h.dialect,
			JobID:   job.JobID,
			Height:  job.Height,
			Target:  job.Target,
		},
		Timestamp: time.Now(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.logger.Warn("dropping slow dashboard client")
			go c.close()
			delete(h.clients, c)
		}
	}
}

// Handler upgrades incoming HTTP connections to websocket dashboard
// clients. It never reads a job request from the client: the feed is
// strictly server-to-client.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		c := &client{conn: conn, send: make(chan []byte, 32)}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()

		go h.writePump(c)
		go h.readPump(c)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains the connection to keep pong frames flowing and to
// notice the client going away; a read-only feed has nothing else to
// accept from the client.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	closeOne sync.Once
}

func (c *client) close() {
	c.closeOne.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}
