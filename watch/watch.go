// Package watch polls tracked source files for external edits and turns
// them into FILE_CHANGED events.
//
// The engine's own commits also change files on disk; the SelfWrite hook
// lets the wiring recognise those hashes (via the change log) so the
// watcher only reports writes made behind the system's back.
package watch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/txn"
)

// Options tunes the watcher behaviour.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change is detected before the
	// event fires; editors often write a file several times in quick
	// succession. 0 means fire immediately. Default: 0.
	Debounce time.Duration
	// SelfWrite reports whether a (path, hash) pair is a write the system
	// made itself. Self-writes advance the tracked hash silently.
	SelfWrite func(path, hash string) bool
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls a set of files and emits FILE_CHANGED on the bus when
// their content hash moves. Safe for concurrent use.
type Watcher struct {
	opts   Options
	events *bus.Bus

	mu     sync.Mutex
	hashes map[string]string      // path → last observed content hash
	timers map[string]*time.Timer // path → debounce timer

	// Counters for observability (exported via Stats).
	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	emitted  atomic.Int64
	selfSkip atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Tracked           int   `json:"tracked"`
	Checks            int64 `json:"checks"`
	ChangesDetected   int64 `json:"changes_detected"`
	Errors            int64 `json:"errors"`
	Emitted           int64 `json:"emitted"`
	SelfWritesSkipped int64 `json:"self_writes_skipped"`
}

// New creates a Watcher. Call Run to start the loop.
func New(events *bus.Bus, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{
		opts:   opts,
		events: events,
		hashes: make(map[string]string),
		timers: make(map[string]*time.Timer),
	}
}

// Track adds a file to the watch set and seeds its hash from current
// content. A missing file is tracked with an empty hash and reported once
// it appears.
func (w *Watcher) Track(path string) {
	hash := ""
	if data, err := os.ReadFile(path); err == nil {
		hash = txn.HashContent(string(data))
	}
	w.mu.Lock()
	w.hashes[path] = hash
	w.mu.Unlock()
	w.opts.Logger.Debug("watch: tracking", "file", path)
}

// Untrack removes a file from the watch set.
func (w *Watcher) Untrack(path string) {
	w.mu.Lock()
	delete(w.hashes, path)
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
}

// Tracked returns the watched paths.
func (w *Watcher) Tracked() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.hashes))
	for p := range w.hashes {
		out = append(out, p)
	}
	return out
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	tracked := len(w.hashes)
	w.mu.Unlock()
	return Stats{
		Tracked:           tracked,
		Checks:            w.checks.Load(),
		ChangesDetected:   w.changes.Load(),
		Errors:            w.errors.Load(),
		Emitted:           w.emitted.Load(),
		SelfWritesSkipped: w.selfSkip.Load(),
	}
}

// Run blocks until ctx is cancelled, polling at opts.Interval.
func (w *Watcher) Run(ctx context.Context) {
	log := w.opts.Logger
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			w.mu.Lock()
			for path, t := range w.timers {
				t.Stop()
				delete(w.timers, path)
			}
			w.mu.Unlock()
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll scans every tracked file once. Exposed so tests and wiring can
// force a scan without waiting for the ticker.
func (w *Watcher) Poll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.hashes))
	for p := range w.hashes {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.checks.Add(1)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				w.errors.Add(1)
				w.opts.Logger.Warn("watch: read failed", "file", path, "error", err)
			}
			continue
		}
		hash := txn.HashContent(string(data))

		w.mu.Lock()
		last, tracked := w.hashes[path]
		w.mu.Unlock()
		if !tracked || hash == last {
			continue
		}
		w.changes.Add(1)
		w.schedule(path, hash)
	}
}

// schedule fires the change now or arms/resets the per-file debounce timer.
func (w *Watcher) schedule(path, hash string) {
	if w.opts.Debounce <= 0 {
		w.fire(path, hash)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		// Re-read: the content may have moved again during the window.
		data, err := os.ReadFile(path)
		if err != nil {
			w.errors.Add(1)
			return
		}
		w.fire(path, txn.HashContent(string(data)))
	})
}

func (w *Watcher) fire(path, hash string) {
	w.mu.Lock()
	if w.hashes[path] == hash {
		w.mu.Unlock()
		return
	}
	w.hashes[path] = hash
	w.mu.Unlock()

	if w.opts.SelfWrite != nil && w.opts.SelfWrite(path, hash) {
		w.selfSkip.Add(1)
		w.opts.Logger.Debug("watch: own write, suppressed", "file", path)
		return
	}

	w.emitted.Add(1)
	w.opts.Logger.Info("watch: external change", "file", path)
	w.events.Emit(w.events.NewEvent(bus.SourceFileWatcher, bus.FileChanged{
		FilePath:    path,
		ContentHash: hash,
	}))
}
