package engine

import (
	"sync"
	"time"

	"github.com/hazyhaar/realm/bus"
)

// debouncer coalesces rapid-fire edit events per key, keeping only the
// latest. The timer resets on every push, so a drag interaction produces a
// single mutation once the pointer settles.
type debouncer struct {
	delay time.Duration
	fire  func(bus.Event)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]bus.Event
	stopped bool
}

func newDebouncer(delay time.Duration, fire func(bus.Event)) *debouncer {
	return &debouncer{
		delay:   delay,
		fire:    fire,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]bus.Event),
	}
}

func (d *debouncer) push(key string, ev bus.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[key] = ev
	if t, ok := d.timers[key]; ok {
		t.Reset(d.delay)
		return
	}
	d.timers[key] = time.AfterFunc(d.delay, func() { d.flush(key) })
}

func (d *debouncer) flush(key string) {
	d.mu.Lock()
	ev, ok := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	stopped := d.stopped
	d.mu.Unlock()
	if ok && !stopped {
		d.fire(ev)
	}
}

// stop cancels all timers and drops pending events.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
		delete(d.pending, key)
	}
}
