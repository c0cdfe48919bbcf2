// Package eventbus fans client events out to in-process subscribers such as
// the IPC server and, through it, the attach dashboard.
package eventbus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the bus.
const (
	RelayConnected    = "relay.connected"
	RelayConnecting   = "relay.connecting"
	RelayDisconnected = "relay.disconnected"
	EndpointChanged   = "relay.endpoint"
	JobReceived       = "job.received"
	JobDropped        = "job.dropped"
	TaskEnqueued      = "task.enqueued"
	TaskDelivered     = "task.delivered"
	TaskFailed        = "task.failed"
	TaskExpired       = "task.expired"
	LogEntry          = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type subscriber struct {
	filter map[string]bool // nil = every type
}

func (s subscriber) wants(t string) bool {
	return s.filter == nil || s.filter[t]
}

// Bus is a non-blocking fan-out bus. A subscriber whose buffer is full misses
// the event rather than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]subscriber
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]subscriber)}
}

// Subscribe returns a buffered channel receiving events of the given types,
// or of every type when none are given.
func (b *Bus) Subscribe(types ...string) chan Event {
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = subscriber{filter: filter}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Publish delivers e to every matching subscriber that has room.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishType marshals data and publishes it under eventType.
func (b *Bus) PublishType(eventType string, data any) {
	e := Event{Type: eventType, Timestamp: time.Now()}
	if data != nil {
		e.Data, _ = json.Marshal(data)
	}
	b.Publish(e)
}

// Dropped returns how many events were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
