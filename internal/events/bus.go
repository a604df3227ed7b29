// internal/events/bus.go
package events

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"board-service/internal/model"
)

const subscriberBuffer = 256

// Bus fans events out to any number of subscribers. A single distributor
// goroutine keeps delivery in publish order.
type Bus struct {
	subscribers map[uint64]*Subscription
	nextID      uint64
	events      chan model.Event
	mutex       sync.RWMutex
	logger      *zap.Logger
	dropped     atomic.Int64
}

// Subscription receives events of the requested types
type Subscription struct {
	id    uint64
	types map[model.EventType]bool
	ch    chan model.Event
	bus   *Bus
	once  sync.Once
}

// NewBus creates a bus with the given publish queue capacity
func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscription),
		events:      make(chan model.Event, capacity),
		logger:      logger.With(zap.String("component", "event_bus")),
	}
}

// Run distributes events until ctx is cancelled
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.events:
			b.distribute(event)
		}
	}
}

// Publish queues an event without blocking. It reports false when the
// queue is full and the event was dropped.
func (b *Bus) Publish(event model.Event) bool {
	select {
	case b.events <- event:
		return true
	default:
		b.dropped.Inc()
		b.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
		return false
	}
}

// Subscribe returns a subscription for the given types, or for every
// type when none are given.
func (b *Bus) Subscribe(types ...model.EventType) *Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan model.Event, subscriberBuffer),
		bus: b,
	}
	if len(types) > 0 {
		sub.types = make(map[model.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.subscribers[sub.id] = sub
	b.nextID++
	return sub
}

// Dropped returns how many events were lost to full queues
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.subscribers)
}

// distribute holds the read lock while sending so Unsubscribe cannot close
// a channel mid-send.
func (b *Bus) distribute(event model.Event) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is slow, skip
			b.dropped.Inc()
		}
	}
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan model.Event {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel. It is safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mutex.Lock()
		delete(s.bus.subscribers, s.id)
		close(s.ch)
		s.bus.mutex.Unlock()
	})
}
