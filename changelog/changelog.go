// Package changelog keeps the append-only history of committed file
// mutations.
//
// The in-memory log is the source of truth for queries; entries are only
// ever mutated to flip their rolled-back flag. When the entry count passes
// the configured maximum the oldest excess is pruned and both indices are
// rebuilt, so no stale pointers survive. An optional SQLite store mirrors
// entries asynchronously for durability across restarts.
package changelog

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/realm/idgen"
	"github.com/hazyhaar/realm/txn"
)

// DefaultMaxEntries caps the in-memory log before pruning kicks in.
const DefaultMaxEntries = 1000

// Options tunes a Log.
type Options struct {
	// MaxEntries caps the log; exceeding it prunes oldest-first. Default: 1000.
	MaxEntries int
	// Store, when set, receives every entry asynchronously for durability.
	Store *Store
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// NewID overrides the entry ID generator.
	NewID idgen.Generator
}

func (o *Options) defaults() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("chg_", idgen.Default)
	}
}

// Log is the in-memory change history. Implements txn.ChangeLog.
type Log struct {
	opts Options

	mu      sync.RWMutex
	entries []txn.ChangeEntry // insertion order, oldest first
	byTxn   map[string]int    // transaction id → index
	byFile  map[string][]int  // file path → indices
}

// New creates a Log.
func New(opts Options) *Log {
	opts.defaults()
	return &Log{
		opts:   opts,
		byTxn:  make(map[string]int),
		byFile: make(map[string][]int),
	}
}

// Append records a committed transaction. Assigns an entry ID when the
// caller left it empty, indexes the entry, and prunes past the cap.
func (l *Log) Append(e txn.ChangeEntry) {
	if e.ID == "" {
		e.ID = l.opts.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	l.mu.Lock()
	idx := len(l.entries)
	l.entries = append(l.entries, e)
	l.byTxn[e.TransactionID] = idx
	l.byFile[e.FilePath] = append(l.byFile[e.FilePath], idx)
	if len(l.entries) > l.opts.MaxEntries {
		l.pruneLocked()
	}
	l.mu.Unlock()

	if l.opts.Store != nil {
		l.opts.Store.RecordAsync(e)
	}
}

// MarkRolledBack flips the rolled-back flag on the entry for a transaction.
// The entry itself stays in the log.
func (l *Log) MarkRolledBack(transactionID string) bool {
	l.mu.Lock()
	idx, ok := l.byTxn[transactionID]
	if !ok {
		l.mu.Unlock()
		return false
	}
	now := time.Now()
	l.entries[idx].RolledBack = true
	l.entries[idx].RolledBackAt = &now
	entry := l.entries[idx]
	l.mu.Unlock()

	if l.opts.Store != nil {
		l.opts.Store.MarkRolledBackAsync(entry.ID, now)
	}
	return true
}

// ByTransaction returns the entry for a transaction ID.
func (l *Log) ByTransaction(transactionID string) (txn.ChangeEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byTxn[transactionID]
	if !ok {
		return txn.ChangeEntry{}, false
	}
	return l.entries[idx], true
}

// Query filters the history. Always sorted newest-first; Limit of 0 means
// unbounded.
type Query struct {
	FilePath          string
	TransactionID     string
	Since             time.Time
	Until             time.Time
	ExcludeRolledBack bool
	Limit             int
}

// Query returns matching entries, newest first.
func (l *Log) Query(q Query) []txn.ChangeEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var candidates []int
	switch {
	case q.TransactionID != "":
		if idx, ok := l.byTxn[q.TransactionID]; ok {
			candidates = []int{idx}
		}
	case q.FilePath != "":
		candidates = l.byFile[q.FilePath]
	default:
		candidates = make([]int, len(l.entries))
		for i := range l.entries {
			candidates[i] = i
		}
	}

	out := make([]txn.ChangeEntry, 0, len(candidates))
	for _, idx := range candidates {
		e := l.entries[idx]
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		if q.ExcludeRolledBack && e.RolledBack {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// pruneLocked drops the oldest entries past the cap and rebuilds both
// indices from the survivors. Caller holds l.mu.
func (l *Log) pruneLocked() {
	excess := len(l.entries) - l.opts.MaxEntries
	if excess <= 0 {
		return
	}
	dropped := excess
	l.entries = append([]txn.ChangeEntry(nil), l.entries[excess:]...)

	l.byTxn = make(map[string]int, len(l.entries))
	l.byFile = make(map[string][]int)
	for i, e := range l.entries {
		l.byTxn[e.TransactionID] = i
		l.byFile[e.FilePath] = append(l.byFile[e.FilePath], i)
	}

	l.opts.Logger.Debug("changelog: pruned", "dropped", dropped, "retained", len(l.entries))
}
