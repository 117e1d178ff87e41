package progress

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSubscriberBuffer is the per-subscriber queue depth when the caller
// passes 0.
const DefaultSubscriberBuffer = 256

// Bus is a bounded in-process publish-subscribe channel for progress events.
// Publish never blocks: when a subscriber's queue is full, its oldest queued
// event is dropped, a warning is logged, and the dropped counter increments.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	logger  *slog.Logger
	dropped prometheus.Counter
}

type subscriber struct {
	ch     chan Event
	filter map[EventType]bool // nil = all types
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger used for drop warnings.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithDroppedCounter sets the metric incremented on each dropped event.
func WithDroppedCounter(counter prometheus.Counter) BusOption {
	return func(b *Bus) { b.dropped = counter }
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[int]*subscriber),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer. buffer 0 uses DefaultSubscriberBuffer.
// types, when given, restricts delivery to those event types. The returned
// cancel function unregisters the consumer and closes its channel.
func (b *Bus) Subscribe(buffer int, types ...EventType) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
// Malformed events are dropped with a warning.
func (b *Bus) Publish(event Event) {
	if err := event.Validate(); err != nil {
		b.logger.Warn("Dropping malformed progress event", "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Queue full: drop the oldest queued event to make room.
		select {
		case <-sub.ch:
			b.noteDrop(event)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			// Still full (consumer raced us); drop the new event instead.
			b.noteDrop(event)
		}
	}
}

func (b *Bus) noteDrop(event Event) {
	if b.dropped != nil {
		b.dropped.Inc()
	}
	b.logger.Warn("Progress subscriber queue full, dropping oldest event",
		"type", event.Type, "session_id", event.SessionID)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
