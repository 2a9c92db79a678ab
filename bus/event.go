// Package bus is the typed publish/subscribe hub connecting the sync
// engine, registry, transaction manager, and connected clients.
//
// Events are a closed set of variants (one struct per Type). The wire shape
// is a flat JSON envelope: {id, timestamp, type, source, ...variant fields},
// timestamp in epoch milliseconds.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/realm/identity"
)

// Type discriminates event variants.
type Type string

const (
	TypeStyleChanged          Type = "STYLE_CHANGED"
	TypeTextChanged           Type = "TEXT_CHANGED"
	TypeElementSelected       Type = "ELEMENT_SELECTED"
	TypeElementRegistered     Type = "ELEMENT_REGISTERED"
	TypeElementUpdated        Type = "ELEMENT_UPDATED"
	TypeFileChanged           Type = "FILE_CHANGED"
	TypeCommitRequested       Type = "COMMIT_REQUESTED"
	TypeCommitCompleted       Type = "COMMIT_COMPLETED"
	TypeRollbackRequested     Type = "ROLLBACK_REQUESTED"
	TypeRollbackCompleted     Type = "ROLLBACK_COMPLETED"
	TypeTransactionStarted    Type = "TRANSACTION_STARTED"
	TypeTransactionFailed     Type = "TRANSACTION_FAILED"
	TypeTransactionRolledBack Type = "TRANSACTION_ROLLED_BACK"
	TypeSyncRequested         Type = "SYNC_REQUESTED"
)

// Source identifies where an event originated.
type Source string

const (
	SourcePanel       Source = "panel"
	SourceEditor      Source = "editor"
	SourceDOM         Source = "dom"
	SourceSystem      Source = "system"
	SourceFileWatcher Source = "file-watcher"
)

// Payload is implemented by exactly the variant structs below.
type Payload interface {
	EventType() Type
}

// StyleChanged carries a style and/or class edit for one element.
type StyleChanged struct {
	RealmID   identity.RealmID  `json:"realmId"`
	Styles    map[string]string `json:"styles,omitempty"`
	Classes   []string          `json:"classes,omitempty"`
	ClassName string            `json:"className,omitempty"` // full replacement when set
	Preview   bool              `json:"preview,omitempty"`
}

func (StyleChanged) EventType() Type { return TypeStyleChanged }

// TextChanged carries a text-content edit for one element.
type TextChanged struct {
	RealmID identity.RealmID `json:"realmId"`
	Text    string           `json:"text"`
	Preview bool             `json:"preview,omitempty"`
}

func (TextChanged) EventType() Type { return TypeTextChanged }

// ElementSelected reports a selection made in the live preview.
type ElementSelected struct {
	RealmID  identity.RealmID `json:"realmId"`
	Selector string           `json:"selector,omitempty"`
}

func (ElementSelected) EventType() Type { return TypeElementSelected }

// ElementRegistered is emitted when the registry sees a hash for the first time.
type ElementRegistered struct {
	RealmID identity.RealmID `json:"realmId"`
}

func (ElementRegistered) EventType() Type { return TypeElementRegistered }

// ElementUpdated is emitted when an already-tracked element is re-registered.
type ElementUpdated struct {
	RealmID identity.RealmID `json:"realmId"`
}

func (ElementUpdated) EventType() Type { return TypeElementUpdated }

// FileChanged reports an on-disk change to a tracked source file.
type FileChanged struct {
	FilePath    string `json:"filePath"`
	ContentHash string `json:"contentHash,omitempty"`
}

func (FileChanged) EventType() Type { return TypeFileChanged }

// CommitRequested asks the engine to persist pending preview edits.
type CommitRequested struct {
	RealmID identity.RealmID `json:"realmId"`
}

func (CommitRequested) EventType() Type { return TypeCommitRequested }

// CommitCompleted confirms a persisted edit.
type CommitCompleted struct {
	RealmID       identity.RealmID `json:"realmId"`
	TransactionID string           `json:"transactionId"`
}

func (CommitCompleted) EventType() Type { return TypeCommitCompleted }

// RollbackRequested asks the engine to discard pending edits, or to revert
// a committed transaction when TransactionID is set.
type RollbackRequested struct {
	RealmID       identity.RealmID `json:"realmId"`
	TransactionID string           `json:"transactionId,omitempty"`
}

func (RollbackRequested) EventType() Type { return TypeRollbackRequested }

// RollbackCompleted confirms a rollback.
type RollbackCompleted struct {
	RealmID       identity.RealmID `json:"realmId"`
	TransactionID string           `json:"transactionId,omitempty"`
}

func (RollbackCompleted) EventType() Type { return TypeRollbackCompleted }

// TransactionStarted marks a transaction entering pending state.
type TransactionStarted struct {
	TransactionID string `json:"transactionId"`
	FilePath      string `json:"filePath"`
}

func (TransactionStarted) EventType() Type { return TypeTransactionStarted }

// TransactionFailed marks a transaction aborting before commit.
type TransactionFailed struct {
	TransactionID string `json:"transactionId"`
	FilePath      string `json:"filePath"`
	Reason        string `json:"reason"`
}

func (TransactionFailed) EventType() Type { return TypeTransactionFailed }

// TransactionRolledBack marks a committed transaction being reverted.
type TransactionRolledBack struct {
	TransactionID string `json:"transactionId"`
	FilePath      string `json:"filePath"`
}

func (TransactionRolledBack) EventType() Type { return TypeTransactionRolledBack }

// SyncRequested surfaces a version conflict for external resolution
// (the "manual" conflict strategy).
type SyncRequested struct {
	RealmID       identity.RealmID `json:"realmId"`
	LocalVersion  int              `json:"localVersion"`
	RemoteVersion int              `json:"remoteVersion"`
	Reason        string           `json:"reason,omitempty"`
}

func (SyncRequested) EventType() Type { return TypeSyncRequested }

// Event is the envelope placed on the bus. Immutable once emitted.
type Event struct {
	ID        string
	Timestamp time.Time
	Source    Source
	Payload   Payload
}

// Type returns the payload's discriminator.
func (e Event) Type() Type { return e.Payload.EventType() }

// wireEnvelope is the flat JSON head of the wire shape.
type wireEnvelope struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Type      Type   `json:"type"`
	Source    Source `json:"source"`
}

// MarshalJSON flattens the envelope and variant fields into one object.
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	head, err := json.Marshal(wireEnvelope{
		ID:        e.ID,
		Timestamp: e.Timestamp.UnixMilli(),
		Type:      e.Type(),
		Source:    e.Source,
	})
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(head, &merged); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the flat wire shape back into a typed Event.
// Unknown types are rejected, never guessed at.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head wireEnvelope
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	payload, err := emptyPayload(head.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return err
	}
	e.ID = head.ID
	e.Timestamp = time.UnixMilli(head.Timestamp)
	e.Source = head.Source
	e.Payload = deref(payload)
	return nil
}

// emptyPayload returns a pointer to a zero variant for the given type.
// The switch is exhaustive over the closed set.
func emptyPayload(t Type) (any, error) {
	switch t {
	case TypeStyleChanged:
		return &StyleChanged{}, nil
	case TypeTextChanged:
		return &TextChanged{}, nil
	case TypeElementSelected:
		return &ElementSelected{}, nil
	case TypeElementRegistered:
		return &ElementRegistered{}, nil
	case TypeElementUpdated:
		return &ElementUpdated{}, nil
	case TypeFileChanged:
		return &FileChanged{}, nil
	case TypeCommitRequested:
		return &CommitRequested{}, nil
	case TypeCommitCompleted:
		return &CommitCompleted{}, nil
	case TypeRollbackRequested:
		return &RollbackRequested{}, nil
	case TypeRollbackCompleted:
		return &RollbackCompleted{}, nil
	case TypeTransactionStarted:
		return &TransactionStarted{}, nil
	case TypeTransactionFailed:
		return &TransactionFailed{}, nil
	case TypeTransactionRolledBack:
		return &TransactionRolledBack{}, nil
	case TypeSyncRequested:
		return &SyncRequested{}, nil
	default:
		return nil, fmt.Errorf("bus: unknown event type %q", t)
	}
}

func deref(p any) Payload {
	switch v := p.(type) {
	case *StyleChanged:
		return *v
	case *TextChanged:
		return *v
	case *ElementSelected:
		return *v
	case *ElementRegistered:
		return *v
	case *ElementUpdated:
		return *v
	case *FileChanged:
		return *v
	case *CommitRequested:
		return *v
	case *CommitCompleted:
		return *v
	case *RollbackRequested:
		return *v
	case *RollbackCompleted:
		return *v
	case *TransactionStarted:
		return *v
	case *TransactionFailed:
		return *v
	case *TransactionRolledBack:
		return *v
	case *SyncRequested:
		return *v
	}
	panic("bus: unreachable payload type")
}
