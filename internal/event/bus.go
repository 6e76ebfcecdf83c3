// Package event dispatches classified domain events to in-process subscribers.
package event

import (
	"fmt"
	"log/slog"
	"sync"

	"ledger_sync/internal/domain"
)

// Handler reacts to one event. Errors are logged by the bus.
type Handler func(ev domain.DomainEvent) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub keyed by event kind.
// Handlers run on the emitting goroutine in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]subscription
	nextID   uint64

	logger    *slog.Logger
	onFailure func(kind domain.EventKind)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l.With(slog.String("module", "event_bus")) }
}

// WithFailureHook is called after a handler returns an error or panics.
func WithFailureHook(fn func(kind domain.EventKind)) Option {
	return func(b *Bus) { b.onFailure = fn }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[domain.EventKind][]subscription),
		logger:   slog.Default().With(slog.String("module", "event_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for kind. The returned function removes it and is safe to call twice.
func (b *Bus) Subscribe(kind domain.EventKind, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind domain.EventKind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[kind]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// copy so in-flight Emit snapshots stay intact
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, kind)
		} else {
			b.handlers[kind] = next
		}
		return
	}
}

// Emit delivers ev to every handler of its kind. A failing handler does not stop the others.
func (b *Bus) Emit(ev domain.DomainEvent) {
	b.mu.RLock()
	subs := b.handlers[ev.Kind]
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscription, ev domain.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic recovered",
				slog.String("kind", ev.Kind.String()),
				slog.String("market_id", ev.MarketID),
				slog.String("panic", fmt.Sprint(r)),
			)
			b.fail(ev.Kind)
		}
	}()

	if err := s.handler(ev); err != nil {
		b.logger.Warn("Event handler failed",
			slog.String("kind", ev.Kind.String()),
			slog.String("market_id", ev.MarketID),
			slog.Any("error", err),
		)
		b.fail(ev.Kind)
	}
}

func (b *Bus) fail(kind domain.EventKind) {
	if b.onFailure != nil {
		b.onFailure(kind)
	}
}

// SubscriberCount returns the number of handlers registered for kind.
func (b *Bus) SubscriberCount(kind domain.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
