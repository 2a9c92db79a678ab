package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/realm/txn"
)

// Schema for the change_entries table. Applied by Store.Init.
const Schema = `
CREATE TABLE IF NOT EXISTS change_entries (
	entry_id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	operations TEXT NOT NULL,
	before_content TEXT NOT NULL,
	after_content TEXT NOT NULL,
	before_hash TEXT NOT NULL,
	after_hash TEXT NOT NULL,
	rolled_back INTEGER NOT NULL DEFAULT 0,
	rolled_back_at INTEGER,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_entries_file ON change_entries(file_path);
CREATE INDEX IF NOT EXISTS idx_change_entries_txn ON change_entries(transaction_id);
CREATE INDEX IF NOT EXISTS idx_change_entries_ts ON change_entries(timestamp);
`

type storeOp struct {
	entry        *txn.ChangeEntry
	rollbackID   string
	rolledBackAt time.Time
}

// Store mirrors change-log entries into SQLite asynchronously, the same way
// the in-memory log never blocks on its durability sink. Writes are
// buffered; a full buffer drops the oldest-priority write rather than
// applying backpressure to commits.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	ch     chan storeOp
	done   chan struct{}
	once   sync.Once
}

// NewStore creates a store backed by the given database and starts its
// flush goroutine.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		ch:     make(chan storeOp, 256),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Init creates the change_entries table if it doesn't exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

// RecordAsync queues an entry for persistence. Non-blocking; drops when the
// buffer is full.
func (s *Store) RecordAsync(e txn.ChangeEntry) {
	select {
	case s.ch <- storeOp{entry: &e}:
	default:
		s.logger.Warn("changelog: store buffer full, entry dropped", "entry", e.ID)
	}
}

// MarkRolledBackAsync queues a rolled-back flag update.
func (s *Store) MarkRolledBackAsync(entryID string, at time.Time) {
	select {
	case s.ch <- storeOp{rollbackID: entryID, rolledBackAt: at}:
	default:
		s.logger.Warn("changelog: store buffer full, rollback mark dropped", "entry", entryID)
	}
}

// Close drains the buffer and stops the flush goroutine.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)
	for op := range s.ch {
		if op.entry != nil {
			s.insert(op.entry)
		} else {
			s.markRolledBack(op.rollbackID, op.rolledBackAt)
		}
	}
}

func (s *Store) insert(e *txn.ChangeEntry) {
	ops, err := json.Marshal(e.Operations)
	if err != nil {
		s.logger.Error("changelog: marshal operations", "entry", e.ID, "error", err)
		return
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO change_entries (
			entry_id, transaction_id, file_path, operations,
			before_content, after_content, before_hash, after_hash,
			rolled_back, timestamp
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TransactionID, e.FilePath, string(ops),
		e.BeforeContent, e.AfterContent, e.BeforeHash, e.AfterHash,
		boolToInt(e.RolledBack), e.Timestamp.UnixMilli())
	if err != nil {
		s.logger.Error("changelog: insert failed", "entry", e.ID, "error", err)
	}
}

func (s *Store) markRolledBack(entryID string, at time.Time) {
	_, err := s.db.Exec(
		`UPDATE change_entries SET rolled_back = 1, rolled_back_at = ? WHERE entry_id = ?`,
		at.UnixMilli(), entryID)
	if err != nil {
		s.logger.Error("changelog: rollback mark failed", "entry", entryID, "error", err)
	}
}

// Recent loads the newest entries from the durable store, oldest first —
// used at startup to rehydrate history across restarts.
func (s *Store) Recent(ctx context.Context, limit int) ([]txn.ChangeEntry, error) {
	if limit <= 0 {
		limit = DefaultMaxEntries
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, transaction_id, file_path, operations,
		       before_content, after_content, before_hash, after_hash,
		       rolled_back, rolled_back_at, timestamp
		FROM change_entries ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []txn.ChangeEntry
	for rows.Next() {
		var e txn.ChangeEntry
		var ops string
		var rolledBack int
		var rolledBackAt sql.NullInt64
		var ts int64
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.FilePath, &ops,
			&e.BeforeContent, &e.AfterContent, &e.BeforeHash, &e.AfterHash,
			&rolledBack, &rolledBackAt, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ops), &e.Operations); err != nil {
			return nil, err
		}
		e.RolledBack = rolledBack == 1
		if rolledBackAt.Valid {
			at := time.UnixMilli(rolledBackAt.Int64)
			e.RolledBackAt = &at
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first for replay into the in-memory log.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
