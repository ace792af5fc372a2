package proxy

import (
	"sync"
	"time"
)

// EventType names a pool event.
type EventType string

const (
	EventBackendDown      EventType = "backend_down"
	EventBackendUp        EventType = "backend_up"
	EventBackendSuspected EventType = "backend_suspected"
	EventFailover         EventType = "failover"
	EventExhausted        EventType = "exhausted"
)

const recentEventsSize = 100

// Event is a health transition or a dispatch-level occurrence.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Pool      string    `json:"pool,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Next      string    `json:"next,omitempty"` // failover target, if any
	Reason    string    `json:"reason,omitempty"`
	Failures  int       `json:"failures,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// EventBus fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event. A nil *EventBus
// discards everything.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	recent []Event
	start  int
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Publish delivers e to every subscriber and keeps it in the recent ring.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.recent) < recentEventsSize {
		b.recent = append(b.recent, e)
	} else {
		b.recent[b.start] = e
		b.start = (b.start + 1) % recentEventsSize
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events and a cancel func that
// unsubscribes and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to the last 100 events, oldest first.
func (b *EventBus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.recent))
	out = append(out, b.recent[b.start:]...)
	out = append(out, b.recent[:b.start]...)
	return out
}
