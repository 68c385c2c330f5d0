package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	fsync "filesyncd/internal/sync"
)

const writeWait = 500 * time.Millisecond

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub manages WebSocket clients
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	// writeMu serializes writers; a gorilla conn allows one at a time.
	writeMu sync.Mutex
	log     logrus.FieldLogger
}

// New creates a new WebSocket hub
func New(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		log:     log.WithField("component", "websocket"),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[conn] = true
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, conn)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msgType string, data interface{}) {
	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		conns = append(conns, client)
	}
	h.clientsMu.Unlock()
	if len(conns) == 0 {
		return
	}

	msg := Message{Type: msgType, Data: data}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, client := range conns {
		_ = client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteJSON(msg); err != nil {
			// Debug is below the log hook's levels, so this cannot recurse.
			h.log.WithError(err).Debug("Dropping websocket client")
			_ = client.Close()
			h.Unregister(client)
		}
	}
}

// Relay broadcasts every engine event under its event type until events is
// closed or ctx ends.
func (h *Hub) Relay(ctx context.Context, events <-chan fsync.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(string(e.Type), e)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	h.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(Message{Type: "init", Data: "connected"})
	h.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}
	h.Register(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Unregister(conn)
			_ = conn.Close()
			return
		}
	}
}

// LogHook is a logrus hook that broadcasts log lines to clients.
type LogHook struct {
	hub *Hub
}

// NewLogHook creates a hook for hub.
func NewLogHook(hub *Hub) *LogHook {
	return &LogHook{hub: hub}
}

func (l *LogHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (l *LogHook) Fire(e *logrus.Entry) error {
	data := map[string]interface{}{
		"msg":   e.Message,
		"level": e.Level.String(),
		"time":  e.Time,
	}
	if c, ok := e.Data["component"]; ok {
		data["component"] = c
	}
	if id, ok := e.Data["config"]; ok {
		data["config"] = id
	}
	l.hub.Broadcast("log", data)
	return nil
}
