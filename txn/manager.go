package txn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/filelock"
	"github.com/hazyhaar/realm/identity"
	"github.com/hazyhaar/realm/idgen"
)

// Options tunes a Manager.
type Options struct {
	// TTL is the age past which a pending/validated transaction fails
	// validation and is auto-aborted by the sweep. Default: 5m.
	TTL time.Duration
	// SweepInterval is how often the background sweep runs. Default: 60s.
	SweepInterval time.Duration
	// Retention is how long terminal transactions are kept before the sweep
	// garbage-collects them. Default: 1h.
	Retention time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// NewID overrides the transaction ID generator.
	NewID idgen.Generator
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("txn_", idgen.Default)
	}
}

// Manager drives the transaction lifecycle around single-file mutations.
type Manager struct {
	opts   Options
	locks  *filelock.Table
	log    ChangeLog
	events *bus.Bus // may be nil

	mu   sync.Mutex
	txns map[string]*Transaction
}

// NewManager creates a Manager. log and events may be nil.
func NewManager(locks *filelock.Table, log ChangeLog, events *bus.Bus, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:   opts,
		locks:  locks,
		log:    log,
		events: events,
		txns:   make(map[string]*Transaction),
	}
}

// Begin acquires the file lock for the element's source file and takes a
// content snapshot. Fails without side effects when the lock is unavailable
// within its acquire timeout.
func (m *Manager) Begin(ctx context.Context, id identity.RealmID) (*Transaction, error) {
	txnID := m.opts.NewID()
	path := id.SourceFile

	if err := m.locks.Acquire(ctx, path, txnID); err != nil {
		return nil, fmt.Errorf("txn: begin %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		m.locks.Release(path)
		return nil, fmt.Errorf("txn: snapshot read %s: %w", path, err)
	}

	t := &Transaction{
		ID:             txnID,
		RealmID:        id,
		Status:         StatusPending,
		BeforeSnapshot: NewSnapshot(path, string(data)),
		CreatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.txns[txnID] = t
	m.mu.Unlock()

	m.emit(bus.TransactionStarted{TransactionID: txnID, FilePath: path})
	m.opts.Logger.Debug("txn: begun", "txn", txnID, "file", path)
	return t, nil
}

// AddOperation appends an operation. Rejected unless the transaction is
// still pending.
func (m *Manager) AddOperation(txnID string, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, txnID)
	}
	if t.Status != StatusPending {
		return &InvalidStatusError{TransactionID: txnID, Op: "add operation", Status: t.Status, Want: []Status{StatusPending}}
	}
	t.Operations = append(t.Operations, op)
	return nil
}

// Validate re-reads the file and compares its hash against the begin
// snapshot. A mismatch means an external writer touched the file
// (FILE_CHANGED); exceeding the TTL yields TRANSACTION_EXPIRED. Both are
// reported in the result, not as errors. On success the transaction
// advances to validated.
func (m *Manager) Validate(txnID string) (ValidationResult, error) {
	m.mu.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.mu.Unlock()
		return ValidationResult{}, fmt.Errorf("%w: %s", ErrNotFound, txnID)
	}
	if t.Status != StatusPending {
		status := t.Status
		m.mu.Unlock()
		return ValidationResult{}, &InvalidStatusError{TransactionID: txnID, Op: "validate", Status: status, Want: []Status{StatusPending}}
	}
	created := t.CreatedAt
	snap := t.BeforeSnapshot
	m.mu.Unlock()

	if time.Since(created) > m.opts.TTL {
		return ValidationResult{Valid: false, Errors: []string{CodeExpired}}, nil
	}

	data, err := os.ReadFile(snap.FilePath)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("txn: validate read %s: %w", snap.FilePath, err)
	}
	if HashContent(string(data)) != snap.Hash {
		return ValidationResult{Valid: false, Errors: []string{CodeFileChanged}}, nil
	}

	m.mu.Lock()
	now := time.Now()
	t.Status = StatusValidated
	t.ValidatedAt = &now
	m.mu.Unlock()

	return ValidationResult{Valid: true}, nil
}

// Commit atomically writes the new content, appends a change-log entry, and
// releases the file lock. The lock is released regardless of outcome.
func (m *Manager) Commit(txnID, content string) error {
	m.mu.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, txnID)
	}
	if t.Status != StatusValidated {
		status := t.Status
		m.mu.Unlock()
		return &InvalidStatusError{TransactionID: txnID, Op: "commit", Status: status, Want: []Status{StatusValidated}}
	}
	path := t.FilePath()
	m.mu.Unlock()

	defer m.locks.Release(path)

	if err := writeAtomic(path, content); err != nil {
		m.fail(t, err.Error())
		m.emit(bus.TransactionFailed{TransactionID: txnID, FilePath: path, Reason: err.Error()})
		return err
	}

	after := NewSnapshot(path, content)
	now := time.Now()

	m.mu.Lock()
	t.Status = StatusCommitted
	t.AfterSnapshot = &after
	t.CommittedAt = &now
	entry := ChangeEntry{
		TransactionID: txnID,
		Timestamp:     now,
		FilePath:      path,
		Operations:    append([]Operation(nil), t.Operations...),
		BeforeContent: t.BeforeSnapshot.Content,
		AfterContent:  content,
		BeforeHash:    t.BeforeSnapshot.Hash,
		AfterHash:     after.Hash,
	}
	m.mu.Unlock()

	if m.log != nil {
		m.log.Append(entry)
	}
	m.opts.Logger.Info("txn: committed", "txn", txnID, "file", path, "ops", len(entry.Operations))
	return nil
}

// Rollback restores the before-snapshot content of a committed transaction
// and marks its change-log entry. The file lock is re-acquired for the
// restore and always released.
func (m *Manager) Rollback(ctx context.Context, txnID string) error {
	m.mu.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, txnID)
	}
	if t.Status != StatusCommitted {
		status := t.Status
		m.mu.Unlock()
		return &InvalidStatusError{TransactionID: txnID, Op: "rollback", Status: status, Want: []Status{StatusCommitted}}
	}
	path := t.FilePath()
	before := t.BeforeSnapshot.Content
	m.mu.Unlock()

	if err := m.locks.Acquire(ctx, path, txnID); err != nil {
		return fmt.Errorf("txn: rollback %s: %w", path, err)
	}
	defer m.locks.Release(path)

	if err := writeAtomic(path, before); err != nil {
		return err
	}

	m.mu.Lock()
	t.Status = StatusRolledBack
	m.mu.Unlock()

	if m.log != nil {
		m.log.MarkRolledBack(txnID)
	}
	m.emit(bus.TransactionRolledBack{TransactionID: txnID, FilePath: path})
	m.opts.Logger.Info("txn: rolled back", "txn", txnID, "file", path)
	return nil
}

// Abort moves a pending/validated transaction to failed and releases the
// lock. The file is left as-is; nothing was written yet.
func (m *Manager) Abort(txnID, reason string) error {
	m.mu.Lock()
	t, ok := m.txns[txnID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, txnID)
	}
	if t.Status != StatusPending && t.Status != StatusValidated {
		status := t.Status
		m.mu.Unlock()
		return &InvalidStatusError{TransactionID: txnID, Op: "abort", Status: status, Want: []Status{StatusPending, StatusValidated}}
	}
	t.Status = StatusFailed
	t.Error = reason
	path := t.FilePath()
	m.mu.Unlock()

	m.locks.Release(path)
	m.emit(bus.TransactionFailed{TransactionID: txnID, FilePath: path, Reason: reason})
	m.opts.Logger.Debug("txn: aborted", "txn", txnID, "file", path, "reason", reason)
	return nil
}

// Get returns a copy of the transaction.
func (m *Manager) Get(txnID string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	if !ok {
		return Transaction{}, false
	}
	return *t, true
}

// Count returns the number of retained transactions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

// Start runs the background sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// Sweep auto-aborts pending/validated transactions older than the TTL and
// garbage-collects terminal transactions older than the retention window.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []string
	for id, t := range m.txns {
		if (t.Status == StatusPending || t.Status == StatusValidated) && now.Sub(t.CreatedAt) > m.opts.TTL {
			expired = append(expired, id)
		}
	}
	var gc []string
	for id, t := range m.txns {
		if t.Status.Terminal() && now.Sub(t.CreatedAt) > m.opts.Retention {
			gc = append(gc, id)
		}
	}
	for _, id := range gc {
		delete(m.txns, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.Abort(id, CodeExpired); err != nil {
			m.opts.Logger.Warn("txn: sweep abort failed", "txn", id, "error", err)
		}
	}
	if len(expired) > 0 || len(gc) > 0 {
		m.opts.Logger.Info("txn: sweep", "aborted", len(expired), "collected", len(gc))
	}
}

func (m *Manager) fail(t *Transaction, reason string) {
	m.mu.Lock()
	t.Status = StatusFailed
	t.Error = reason
	m.mu.Unlock()
}

func (m *Manager) emit(p bus.Payload) {
	if m.events != nil {
		m.events.Emit(m.events.NewEvent(bus.SourceSystem, p))
	}
}
