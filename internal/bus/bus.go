// Package bus implements the coordinator's in-process event bus (spec
// §4.11): the bridge between connection-layer outcomes (task
// started/completed/failed, device status changes) and the DAG's own
// state. Unlike a general-purpose message bus, this module has a
// fixed, closed set of topics (see the Topic* constants) — no
// component ever subscribes to a hierarchical prefix like "task." to
// catch topics it doesn't know about yet, so subscriptions match a
// topic exactly rather than by prefix.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Device event topics.
const (
	TopicDeviceStatusChanged = "device.status_changed"
)

// Task event topics (constellation task nodes, not device I/O).
const (
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
)

// Constellation event topics.
const (
	TopicConstellationMutated      = "constellation.mutated"
	TopicConstellationStateChanged = "constellation.state_changed"
)

// Subscription represents an active subscription to one topic.
type Subscription struct {
	id    int
	topic string
	ch    chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus keyed by exact topic match.
type Bus struct {
	mu              sync.RWMutex
	subs            map[string]map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64 // last threshold at which a warning was logged
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe creates a subscription for events published on exactly
// topic — one of the Topic* constants above. The returned channel has
// a buffer of 100 events; slow consumers will miss events (non-blocking
// send).
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		topic: topic,
		ch:    make(chan Event, defaultBufferSize),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if topicSubs, ok := b.subs[sub.topic]; ok {
		if _, ok := topicSubs[sub.id]; ok {
			delete(topicSubs, sub.id)
			close(sub.ch)
		}
	}
}

// Publish sends an event to every subscriber of topic.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		// Non-blocking send.
		select {
		case sub.ch <- event:
		default:
			// Buffer full - increment counter instead of logging per-drop (avoid I/O spike).
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, topic)
		}
	}
}

// SubscriberCount returns the number of active subscriptions across
// every topic.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, topicSubs := range b.subs {
		n += len(topicSubs)
	}
	return n
}

// DroppedEventCount returns the total number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, 1000, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when dropped event count crosses an exponential threshold.
// Uses CompareAndSwap to avoid duplicate logs from concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount < threshold {
		return
	}
	// Only log when we exactly hit a threshold boundary.
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
