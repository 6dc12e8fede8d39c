package bus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block for long.
type Handler func(Event)

// Publisher is the send side of the bus.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to handlers in subscription order. A panicking
// handler is logged and skipped; it never reaches the publisher.
type Bus struct {
	mu     sync.RWMutex
	byKind map[string][]Handler
	all    []Handler
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		byKind: make(map[string][]Handler),
		logger: logger.Named("bus"),
	}
}

// Subscribe registers h for the given kinds.
func (b *Bus) Subscribe(h Handler, kinds ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.byKind[k] = append(b.byKind[k], h)
	}
}

// SubscribeAll registers h for every kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers ev synchronously. Kind-specific handlers run before
// catch-all handlers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[ev.Kind])+len(b.all))
	handlers = append(handlers, b.byKind[ev.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				zap.String("kind", ev.Kind),
				zap.String("session", ev.SessionID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	h(ev)
}

// Recorder collects every event it sees. Useful in tests and for the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of what has been recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}
