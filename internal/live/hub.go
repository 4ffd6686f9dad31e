package live

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/netsentry/internal/logger"
)

type MessageType string

const (
	TypeDeviceUpdate MessageType = "device_update"
	TypeAlertNew     MessageType = "alert_new"
	TypeStatusUpdate MessageType = "status_update"
	TypeMetricUpdate MessageType = "metric_update"
)

// Message is one live update pushed to subscribers.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

const defaultBuffer = 64

// Hub fans messages out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
	onDrop  func()
	log     logger.Logger
	now     func() time.Time
}

type HubOption func(*Hub)

// WithDropHook is called once per dropped delivery.
func WithDropHook(fn func()) HubOption {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

func NewHub(log logger.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		subs: make(map[*Subscription]struct{}),
		log:  log,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type Subscription struct {
	C    <-chan Message
	ch   chan Message
	hub  *Hub
	once sync.Once
}

// Subscribe registers a subscriber with the given buffer size.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Publish delivers msg to every subscriber that has room for it.
func (h *Hub) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
			h.log.Debug().Str("type", string(msg.Type)).Msg("Dropped live update for slow subscriber")
		}
	}
}

// PublishType is shorthand for Publish(Message{Type: t, Data: data}).
func (h *Hub) PublishType(t MessageType, data any) {
	h.Publish(Message{Type: t, Data: data})
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
