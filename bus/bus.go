package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/realm/idgen"
)

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

// DefaultHistorySize bounds the introspection ring buffer.
const DefaultHistorySize = 100

// Handler processes one event. Handlers run synchronously under Emit;
// a panicking handler is recovered and logged so it cannot block others.
type Handler func(Event)

// Subscription is the detachable handle returned by Subscribe.
type Subscription struct {
	id        uint64
	bus       *Bus
	eventType Type
	handler   Handler
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Options tunes a Bus.
type Options struct {
	// HistorySize bounds the recent-event ring. Default: 100.
	HistorySize int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// NewID overrides the event ID generator.
	NewID idgen.Generator
}

func (o *Options) defaults() {
	if o.HistorySize <= 0 {
		o.HistorySize = DefaultHistorySize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("evt_", idgen.Default)
	}
}

// Bus is a typed publish/subscribe hub with wildcard subscriptions,
// a bounded event history, and per-type counters.
type Bus struct {
	opts Options

	mu     sync.RWMutex
	nextID uint64
	subs   []*Subscription // registration order, type filter per entry

	history []Event // ring, oldest first once full
	counts  map[Type]int64
}

// New creates a Bus.
func New(opts Options) *Bus {
	opts.defaults()
	return &Bus{
		opts:    opts,
		history: make([]Event, 0, opts.HistorySize),
		counts:  make(map[Type]int64),
	}
}

// Subscribe registers a handler for one event type, or for every type when
// eventType is Wildcard.
func (b *Bus) Subscribe(eventType Type, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, eventType: eventType, handler: h}
	b.subs = append(b.subs, sub)
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// NewEvent builds an envelope around a payload with a fresh ID and timestamp.
func (b *Bus) NewEvent(source Source, p Payload) Event {
	return Event{
		ID:        b.opts.NewID(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   p,
	}
}

// Emit delivers the event synchronously to every matching handler in
// registration order (type-specific and wildcard interleaved as registered).
// Handler panics are recovered and logged; one failing handler never
// prevents the rest from running.
func (b *Bus) Emit(ev Event) {
	for _, h := range b.record(ev) {
		b.safeCall(h, ev)
	}
}

// EmitAsync delivers the event to all matching handlers concurrently and
// waits for all of them, isolating per-handler failures.
func (b *Bus) EmitAsync(ev Event) {
	handlers := b.record(ev)
	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h Handler) {
			defer wg.Done()
			b.safeCall(h, ev)
		}(h)
	}
	wg.Wait()
}

// record appends to history, bumps counters, and snapshots the matching
// handlers under the lock so Emit can run them without holding it.
func (b *Bus) record(ev Event) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) == b.opts.HistorySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, ev)
	b.counts[ev.Type()]++

	var handlers []Handler
	for _, s := range b.subs {
		if s.eventType == Wildcard || s.eventType == ev.Type() {
			handlers = append(handlers, s.handler)
		}
	}
	return handlers
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.opts.Logger.Error("bus: handler panicked",
				"event_type", ev.Type(), "event_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}

// History returns a copy of the retained events, oldest first.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Stats returns per-type emission counters.
func (b *Bus) Stats() map[Type]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Type]int64, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

// SubscriberCount reports the number of active subscriptions (all types).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
