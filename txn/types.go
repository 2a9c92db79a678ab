// Package txn wraps one file mutation in a begin/validate/commit/rollback
// lifecycle with per-file locking, content snapshots, and atomic writes.
//
// Status moves only forward: pending → validated → committed. An abort from
// pending/validated lands in failed; an explicit rollback of a committed
// transaction lands in rolled_back. The file lock guarantees at most one
// pending or validated transaction per file; the snapshot hash catches
// external writers in the residual window between begin and commit.
package txn

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hazyhaar/realm/identity"
)

// Status is the transaction lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidated  Status = "validated"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible except an
// explicit rollback of a committed transaction.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed
}

// OpKind discriminates operation variants.
type OpKind string

const (
	OpStyle OpKind = "style"
	OpClass OpKind = "class"
	OpText  OpKind = "text"
)

// Operation is one element edit carried by a transaction.
type Operation struct {
	Kind      OpKind            `json:"kind"`
	Selector  string            `json:"selector,omitempty"`
	Styles    map[string]string `json:"styles,omitempty"`
	Classes   []string          `json:"classes,omitempty"`
	ClassName string            `json:"className,omitempty"`
	Text      string            `json:"text,omitempty"`
}

// Snapshot captures file content at a point in time. Immutable once taken;
// its hash is the optimistic-concurrency token compared at validate.
type Snapshot struct {
	FilePath  string    `json:"filePath"`
	Content   string    `json:"content"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSnapshot hashes content and stamps the snapshot.
func NewSnapshot(path, content string) Snapshot {
	return Snapshot{
		FilePath:  path,
		Content:   content,
		Hash:      HashContent(content),
		Timestamp: time.Now(),
	}
}

// HashContent returns the full SHA-256 hex of file content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Transaction is one in-flight or finished file mutation.
type Transaction struct {
	ID             string           `json:"id"`
	RealmID        identity.RealmID `json:"realmId"`
	Operations     []Operation      `json:"operations"`
	Status         Status           `json:"status"`
	BeforeSnapshot Snapshot         `json:"beforeSnapshot"`
	AfterSnapshot  *Snapshot        `json:"afterSnapshot,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	ValidatedAt    *time.Time       `json:"validatedAt,omitempty"`
	CommittedAt    *time.Time       `json:"committedAt,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// FilePath is the file this transaction mutates.
func (t *Transaction) FilePath() string { return t.BeforeSnapshot.FilePath }

// ChangeEntry is the audit record appended on commit. Append-only: after
// insertion only the RolledBack flag ever changes.
type ChangeEntry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	Timestamp     time.Time   `json:"timestamp"`
	FilePath      string      `json:"filePath"`
	Operations    []Operation `json:"operations"`
	BeforeContent string      `json:"beforeContent"`
	AfterContent  string      `json:"afterContent"`
	BeforeHash    string      `json:"beforeHash"`
	AfterHash     string      `json:"afterHash"`
	RolledBack    bool        `json:"rolledBack"`
	RolledBackAt  *time.Time  `json:"rolledBackAt,omitempty"`
}

// ChangeLog records committed transactions. Implemented by the changelog
// package; the manager only needs these two operations.
type ChangeLog interface {
	Append(ChangeEntry)
	MarkRolledBack(transactionID string) bool
}

// ValidationResult is the structured outcome of Validate. Expected,
// recoverable failures (FILE_CHANGED, TRANSACTION_EXPIRED) come back here
// rather than as errors so callers can retry or surface a message.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}
