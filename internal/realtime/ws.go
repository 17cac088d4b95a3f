package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Authorizer decides whether userID may subscribe to topic.
type Authorizer func(ctx context.Context, userID, topic string) error

type clientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// wireEvent is the frame sent for a hub event.
type wireEvent struct {
	Type   string    `json:"type"`
	Topic  string    `json:"topic"`
	Event  string    `json:"event"`
	Table  string    `json:"table,omitempty"`
	Record any       `json:"record,omitempty"`
	OldID  string    `json:"old_id,omitempty"`
	At     time.Time `json:"at"`
}

type Handler struct {
	upgrader  websocket.Upgrader
	hub       *Hub
	authorize Authorizer
	logger    *zap.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	conn   *websocket.Conn
	userID string
	ctx    context.Context

	mu   sync.Mutex
	subs map[string]<-chan Event

	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func NewHandler(hub *Hub, authorize Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		hub:       hub,
		authorize: authorize,
		logger:    logger,
		conns:     make(map[*wsConn]struct{}),
	}
}

// Serve upgrades the request for an already authenticated user.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{
		conn:   conn,
		userID: userID,
		ctx:    context.WithoutCancel(r.Context()),
		subs:   make(map[string]<-chan Event),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
}

func (h *Handler) readPump(c *wsConn) {
	defer h.closeConn(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		h.handleMessage(c, data)
	}
}

func (h *Handler) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleMessage(c *wsConn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(c, "invalid message format")
		return
	}
	switch msg.Type {
	case "subscribe":
		h.subscribe(c, msg.Topic)
	case "unsubscribe":
		h.unsubscribe(c, msg.Topic)
		h.sendJSON(c, map[string]any{"type": "unsubscribed", "topic": msg.Topic})
	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	default:
		h.sendError(c, "unknown message type: "+msg.Type)
	}
}

func (h *Handler) subscribe(c *wsConn, topic string) {
	if topic == "" {
		h.sendError(c, "topic is required")
		return
	}
	if h.authorize != nil {
		if err := h.authorize(c.ctx, c.userID, topic); err != nil {
			h.sendError(c, "forbidden topic: "+topic)
			return
		}
	}

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		h.sendJSON(c, map[string]any{"type": "subscribed", "topic": topic})
		return
	}
	ch := h.hub.Subscribe(topic)
	c.subs[topic] = ch
	c.mu.Unlock()

	go h.forward(c, ch)
	h.sendJSON(c, map[string]any{"type": "subscribed", "topic": topic})
}

func (h *Handler) unsubscribe(c *wsConn, topic string) {
	c.mu.Lock()
	ch, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		h.hub.Unsubscribe(topic, ch)
	}
}

func (h *Handler) forward(c *wsConn, events <-chan Event) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.sendJSON(c, wireEvent{
				Type:   "event",
				Topic:  event.Topic,
				Event:  event.Type,
				Table:  event.Table,
				Record: event.Record,
				OldID:  event.OldID,
				At:     event.At,
			})
		}
	}
}

func (h *Handler) closeConn(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()

	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]<-chan Event{}
	c.mu.Unlock()
	for topic, ch := range subs {
		h.hub.Unsubscribe(topic, ch)
	}

	c.doneOnce.Do(func() { close(c.done) })
}

func (h *Handler) sendJSON(c *wsConn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("websocket encode failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		h.logger.Warn("websocket send buffer full, dropping message", zap.String("user_id", c.userID))
	}
}

func (h *Handler) sendError(c *wsConn, message string) {
	h.sendJSON(c, map[string]any{"type": "error", "error": message})
}

func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close ends every open connection.
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.doneOnce.Do(func() { close(c.done) })
	}
}
