// Package bus is the in-process event fan-out between workers, the
// message service, and websocket clients. Each subscriber owns a bounded
// channel; a slow subscriber loses events instead of blocking publishers.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types carried on the bus.
const (
	EventSessionCreated       = "session.created"
	EventSessionUpdated       = "session.updated"
	EventSessionClosed        = "session.closed"
	EventSessionStatusChanged = "session.status_changed"
	EventMessageNew           = "message.new"
	EventTypingStart          = "typing.start"
	EventTypingStop           = "typing.stop"
	EventSyncComplete         = "sync.complete"
	EventUsageUpdated         = "usage.updated"
	EventUsageLimitReached    = "usage.limit_reached"
	EventUsageReset           = "usage.reset"
	EventCommandQueued        = "command.queued"
	EventCommandExecuted      = "command.executed"
	EventCommandFailed        = "command.failed"
	EventHeartbeat            = "heartbeat"
)

// DefaultQueueSize is the per-subscriber channel capacity.
const DefaultQueueSize = 256

// Event is a single bus message.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(typ string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Type: typ, Payload: payload, Timestamp: time.Now().UTC()}
}

// SessionName extracts the session the event is about, if any. Events
// carry it as either "name" or "session_name" depending on origin.
func (e Event) SessionName() (string, bool) {
	if v, ok := e.Payload["name"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := e.Payload["session_name"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event Event)
}

type subscriber struct {
	id int64

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver enqueues without blocking. It reports false when the event was
// dropped for a full queue. The mutex excludes a concurrent close, so a
// publisher racing an unsubscribe never hits a closed channel.
func (s *subscriber) deliver(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to bounded per-subscriber queues.
type Bus struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[int64]*subscriber
	dropped map[int64]int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[int64]*subscriber),
		dropped: make(map[int64]int64),
	}
}

// Subscribe registers a new subscriber and returns its id and queue.
// The queue is closed by Unsubscribe.
func (b *Bus) Subscribe() (int64, <-chan Event) {
	return b.SubscribeBuffered(DefaultQueueSize)
}

// SubscribeBuffered registers a subscriber with an explicit queue size.
func (b *Bus) SubscribeBuffered(size int) (int64, <-chan Event) {
	if size <= 0 {
		size = DefaultQueueSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, size)}
	b.subs[sub.id] = sub
	return sub.id, sub.ch
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		delete(b.dropped, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers the event to every subscriber queue that has room.
// The lock is held only to snapshot the subscriber set.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	snapshot := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		if sub.deliver(event) {
			continue
		}
		b.mu.Lock()
		b.dropped[sub.id]++
		n := b.dropped[sub.id]
		b.mu.Unlock()
		slog.Warn("event dropped for slow subscriber",
			"subscriber", sub.id, "type", event.Type, "total_dropped", n)
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many events a subscriber has lost to a full queue.
func (b *Bus) Dropped(id int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[id]
}
