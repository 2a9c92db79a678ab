// Package filelock provides per-path advisory locks with an acquire timeout
// and TTL-based auto-expiry.
//
// This is in-process cooperative mutual exclusion, not OS-level file
// locking: it serialises this process's mutating access to a source file.
// A holder that outlives the TTL is treated as abandoned and force-cleared
// by the next acquirer (crash recovery, not a correctness guarantee).
package filelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAcquireTimeout is returned when another holder keeps the lock past the
// acquire timeout.
var ErrAcquireTimeout = errors.New("filelock: acquire timeout")

// Lock describes a held lock.
type Lock struct {
	FilePath   string    `json:"filePath"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Options tunes the lock table.
type Options struct {
	// AcquireTimeout bounds how long Acquire polls. Default: 5s.
	AcquireTimeout time.Duration
	// TTL is the age past which a held lock counts as abandoned. Default: 60s.
	TTL time.Duration
	// PollInterval is the re-check frequency while waiting. Default: 50ms.
	PollInterval time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Table holds at most one lock per file path.
type Table struct {
	opts Options

	mu    sync.Mutex
	locks map[string]Lock
}

// New creates a lock table.
func New(opts Options) *Table {
	opts.defaults()
	return &Table{
		opts:  opts,
		locks: make(map[string]Lock),
	}
}

// Acquire takes the lock for path on behalf of owner. It polls until the
// path is free, an existing lock exceeds the TTL (force-cleared as
// abandoned), the acquire timeout elapses (ErrAcquireTimeout), or ctx is
// cancelled.
func (t *Table) Acquire(ctx context.Context, path, owner string) error {
	deadline := time.Now().Add(t.opts.AcquireTimeout)

	for {
		if t.tryAcquire(path, owner) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrAcquireTimeout, path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.opts.PollInterval):
		}
	}
}

func (t *Table) tryAcquire(path, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[path]; ok {
		if time.Since(held.AcquiredAt) <= t.opts.TTL {
			return false
		}
		// Abandoned holder: force-clear and take over.
		t.opts.Logger.Warn("filelock: expired lock force-cleared",
			"file", path, "stale_owner", held.Owner, "held_for", time.Since(held.AcquiredAt))
	}
	t.locks[path] = Lock{FilePath: path, Owner: owner, AcquiredAt: time.Now()}
	return true
}

// Release removes the lock entry for path. The caller is assumed to be the
// holder; releasing an unheld path is a no-op.
func (t *Table) Release(path string) {
	t.mu.Lock()
	delete(t.locks, path)
	t.mu.Unlock()
}

// ForceRelease unconditionally clears the lock for path. Admin escape hatch.
func (t *Table) ForceRelease(path string) {
	t.mu.Lock()
	held, ok := t.locks[path]
	delete(t.locks, path)
	t.mu.Unlock()
	if ok {
		t.opts.Logger.Warn("filelock: force released", "file", path, "owner", held.Owner)
	}
}

// Holder returns the current lock for path, if held.
func (t *Table) Holder(path string) (Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[path]
	return l, ok
}

// Count returns the number of held locks.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
