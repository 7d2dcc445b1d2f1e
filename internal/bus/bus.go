package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// Memory manager topics.
const (
	TopicTurnCompleted      = "memory.turn.completed"
	TopicTurnDuplicate      = "memory.turn.duplicate"
	TopicTurnFailed         = "memory.turn.failed"
	TopicCompactionDone     = "memory.compaction.completed"
	TopicCompactionFailed   = "memory.compaction.failed"
	TopicChannelConfigSaved = "channel.config.saved"
)

// TurnEvent is published once per inbound message that reached the turn handler.
type TurnEvent struct {
	ChannelKey  string    `json:"channel_key"`
	UserMsgID   int64     `json:"user_message_id,omitempty"`
	ReplyMsgID  int64     `json:"reply_message_id,omitempty"`
	Total       int       `json:"total,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// CompactionEvent is published for every compaction attempt that reached the
// completion call or failed while preparing it.
type CompactionEvent struct {
	ChannelKey       string    `json:"channel_key"`
	Version          int       `json:"version,omitempty"`
	BatchSize        int       `json:"batch_size"`
	CoveredThroughID int64     `json:"covered_through_id,omitempty"`
	Total            int       `json:"total"`
	Error            string    `json:"error,omitempty"`
	At               time.Time `json:"at"`
}

// ChannelConfigEvent is published when a channel configuration is written.
type ChannelConfigEvent struct {
	ChannelKey string `json:"channel_key"`
	Source     string `json:"source"` // "config", "gateway"
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
// Publishing on a nil bus is a no-op so components can run without one.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
