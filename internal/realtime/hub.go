// Package realtime fans out change events to WebSocket subscribers and,
// when Redis is configured, to the other API instances.
package realtime

import (
	"fmt"
	"sync"
	"time"
)

const (
	TypeInsert = "INSERT"
	TypeUpdate = "UPDATE"
	TypeDelete = "DELETE"
	// TypeBoard signals that a project's board should be refetched.
	TypeBoard = "BOARD"
)

type Event struct {
	Topic  string    `json:"topic"`
	Type   string    `json:"type"`
	Table  string    `json:"table,omitempty"`
	Record any       `json:"record,omitempty"`
	OldID  string    `json:"old_id,omitempty"`
	At     time.Time `json:"at"`
}

func BoardTopic(projectID string) string {
	return fmt.Sprintf("project:%s:board", projectID)
}

func MilestonesTopic(projectID string) string {
	return fmt.Sprintf("project:%s:milestones", projectID)
}

func NotificationsTopic(userID string) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}

// Forwarder receives every locally published event.
type Forwarder interface {
	Forward(event Event)
}

// Hub is an in-memory topic publisher. Sends never block: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	bufferSize  int
	closed      bool
	forwarder   Forwarder
}

type HubOption func(*Hub)

func WithBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers: make(map[string][]chan Event),
		bufferSize:  64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetForwarder installs a forwarder, such as the Redis relay.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

// Publish delivers the event locally and hands it to the forwarder.
func (h *Hub) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.deliver(event)

	h.mu.RLock()
	f := h.forwarder
	closed := h.closed
	h.mu.RUnlock()
	if f != nil && !closed {
		f.Forward(event)
	}
}

// deliver sends to local subscribers only.
func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subscribers[event.Topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) Subscribe(topic string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, h.bufferSize)
	h.subscribers[topic] = append(h.subscribers[topic], ch)
	return ch
}

func (h *Hub) Unsubscribe(topic string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[topic]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(h.subscribers[topic]) == 0 {
		delete(h.subscribers, topic)
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, topic)
	}
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}
