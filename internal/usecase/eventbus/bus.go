// Package eventbus provides the in-process pub/sub bus used by the
// orchestrator and composite agents to publish lifecycle events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"conductor/internal/domain"
)

// topicAll is the internal topic catch-all subscribers register under.
// Event types are dotted names, so "*" cannot collide with a real type.
const topicAll = domain.EventType("*")

type subscriber struct {
	id uint64
	fn domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu     sync.RWMutex
	topics map[domain.EventType][]subscriber
	nextID uint64
	closed bool

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		topics: make(map[domain.EventType][]subscriber),
		logger: logger,
	}
}

// Publish fans out an event to subscribers of its type and to catch-all
// subscribers. Each handler runs in its own goroutine; a panicking handler
// is recovered and logged without affecting its siblings.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]domain.EventHandler, 0, len(b.topics[event.Type])+len(b.topics[topicAll]))
	for _, sub := range b.topics[event.Type] {
		handlers = append(handlers, sub.fn)
	}
	for _, sub := range b.topics[topicAll] {
		handlers = append(handlers, sub.fn)
	}
	b.wg.Add(len(handlers))
	b.mu.RUnlock()

	for _, fn := range handlers {
		go b.run(ctx, event, fn)
	}
}

func (b *Bus) run(ctx context.Context, event domain.Event, fn domain.EventHandler) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	fn(ctx, event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(topicAll, handler)
}

func (b *Bus) add(topic domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, fn: handler})
	b.mu.Unlock()

	return func() { b.remove(topic, id) }
}

func (b *Bus) remove(topic domain.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
