// Package bus is the in-process publish/subscribe hub used to fan out
// server-initiated events to connected clients. Publishing never blocks:
// every subscription owns a bounded buffer and a slow consumer loses
// events rather than stalling the publisher or its peers. Events delivered
// to a single subscription preserve publish order; no ordering holds
// across subscriptions.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Event is a message published on the bus.
type Event struct {
	Type    string
	Payload any
	Time    time.Time
}

// Event type families. A subscription filter entry matches a type exactly
// or, for an entry like "approval", matches the whole "approval.*" family.
const (
	TypeApprovalRequired = "approval.required"
	TypeApprovalResolved = "approval.resolved"
	TypeAgentStatus      = "agent.status"
	TypeCanvasUpdate     = "canvas.update"
	TypeSystemNotice     = "system.notice"
)

// DefaultFilter is the filter every new connection starts with.
func DefaultFilter() []string {
	return []string{"system", "approval"}
}

// Subscription represents one subscriber with its own bounded queue.
type Subscription struct {
	id int
	ch chan Event

	mu    sync.RWMutex
	types []string

	dropped atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns the number of events this subscription lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// SetTypes replaces the subscription's event-type filter. An empty filter
// matches every event. Safe to call while the bus is publishing.
func (s *Subscription) SetTypes(types []string) {
	s.mu.Lock()
	s.types = append([]string(nil), types...)
	s.mu.Unlock()
}

// Types returns a copy of the current filter.
func (s *Subscription) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.types...)
}

func (s *Subscription) matches(eventType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == eventType || strings.HasPrefix(eventType, t+".") {
			return true
		}
	}
	return false
}

// Bus is the shared fan-out hub. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	onDrop func(eventType string)
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// OnDrop registers a callback invoked (without the bus lock held on the
// subscriber map write path) whenever an event is dropped for a slow
// subscriber. Used to feed the drop metric.
func (b *Bus) OnDrop(fn func(eventType string)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe creates a subscription filtered to the given event types.
// No types means all events. The buffer holds 64 events; beyond that the
// subscriber loses events instead of blocking publishers.
func (b *Bus) Subscribe(types ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		ch:    make(chan Event, defaultBufferSize),
		types: append([]string(nil), types...),
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

// Publish sends an event to every matching subscriber. Non-blocking: a
// subscriber with a full buffer is skipped and its drop counter incremented.
// A zero Time is stamped at publish.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	b.mu.RLock()
	onDrop := b.onDrop
	for _, sub := range b.subs {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			if onDrop != nil {
				onDrop(event.Type)
			}
		}
	}
	b.mu.RUnlock()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
