// Package broadcaster fans audit events out to subscribers.
package broadcaster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/replica/pkg/replica/audit"
	"github.com/jamesainslie/replica/pkg/replica/metrics"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 256

// Subscriber receives events of the types it asked for.
type Subscriber struct {
	ID     string
	Types  []audit.EventType
	Events chan audit.Event

	// lossless subscribers make Record wait for buffer space.
	lossless bool
	dropped  atomic.Int64
}

// Dropped returns the number of events lost because Events was full.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(t audit.EventType) bool {
	if len(s.Types) == 0 {
		return true
	}
	for _, want := range s.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Broadcaster implements audit.Sink by delivering every event to all
// matching subscribers. Delivery to a full subscriber is dropped and
// counted, unless the subscription is lossless, in which case Record waits.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	now         func() time.Time
	dropped     atomic.Int64
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		now:         time.Now,
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// types when none are given. buffer <= 0 uses DefaultBuffer.
func (b *Broadcaster) Subscribe(buffer int, types ...audit.EventType) *Subscriber {
	return b.subscribe(buffer, false, types)
}

// SubscribeLossless is Subscribe for consumers that must see every event,
// such as the audit journal. The consumer must keep draining Events until
// it is closed, since a full buffer holds up Record.
func (b *Broadcaster) SubscribeLossless(buffer int, types ...audit.EventType) *Subscriber {
	return b.subscribe(buffer, true, types)
}

func (b *Broadcaster) subscribe(buffer int, lossless bool, types []audit.EventType) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscriber{
		ID:       uuid.New().String(),
		Types:    types,
		Events:   make(chan audit.Event, buffer),
		lossless: lossless,
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Record stamps e with an id and time when missing and delivers it.
func (b *Broadcaster) Record(e audit.Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !sub.wants(e.Type) {
			continue
		}
		if sub.lossless {
			sub.Events <- e
			continue
		}
		select {
		case sub.Events <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			metrics.RecordAuditDropped(string(e.Type))
		}
	}
}

// Dropped returns the number of deliveries lost across all subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
