// Package eventbus publishes engine events to observers.
//
// Bus delivery is synchronous and unbuffered: Emit returns after every
// current subscriber has run, and a subscriber attached later never sees
// earlier events. Consumers that need current state read the persisted
// snapshot on (re)connect.
package eventbus

import (
	"sync"
)

// Handler receives an event.
type Handler func(Event)

// Logger records subscriber failures. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type handlerEntry struct {
	id int
	fn Handler
}

// Bus is a typed publish/subscribe channel.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Type][]handlerEntry
	all      []handlerEntry
	logger   Logger
}

// Option customizes the bus.
type Option func(*Bus)

// WithLogger injects a logger for recovered subscriber panics.
func WithLogger(logger Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New returns a bus with no subscribers.
func New(opts ...Option) *Bus {
	b := &Bus{handlers: map[Type][]handlerEntry{}, logger: nopLogger{}}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Emit invokes every current subscriber for the event's type, then every
// catch-all subscriber, on the calling goroutine. A panicking subscriber is
// logged and skipped.
func (b *Bus) Emit(event Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	typed := b.handlers[event.Type()]
	handlers := make([]Handler, 0, len(typed)+len(b.all))
	for _, entry := range typed {
		handlers = append(handlers, entry.fn)
	}
	for _, entry := range b.all {
		handlers = append(handlers, entry.fn)
	}
	b.mu.RUnlock()
	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

// Subscribe registers handler for one event type. The returned function
// removes it and is safe to call more than once.
func (b *Bus) Subscribe(kind Type, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: id, fn: handler})
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.handlers[kind] = removeEntry(b.handlers[kind], id)
			if len(b.handlers[kind]) == 0 {
				delete(b.handlers, kind)
			}
			b.mu.Unlock()
		})
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, handlerEntry{id: id, fn: handler})
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.all = removeEntry(b.all, id)
			b.mu.Unlock()
		})
	}
}

// On subscribes a handler typed to a concrete event struct.
func On[E Event](b *Bus, handler func(E)) func() {
	var zero E
	return b.Subscribe(zero.Type(), func(event Event) {
		if typed, ok := event.(E); ok {
			handler(typed)
		}
	})
}

func (b *Bus) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("eventbus: subscriber for %s panicked: %v", event.Type(), r)
		}
	}()
	handler(event)
}

func removeEntry(entries []handlerEntry, id int) []handlerEntry {
	out := entries[:0:0]
	for _, entry := range entries {
		if entry.id != id {
			out = append(out, entry)
		}
	}
	return out
}
