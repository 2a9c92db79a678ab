// Package engine is the orchestration core: it receives edit events from
// connected clients, debounces them, detects version conflicts, drives the
// transaction round-trip through the mutation engine, and broadcasts the
// outcome to everyone else.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/identity"
	"github.com/hazyhaar/realm/jsx"
	"github.com/hazyhaar/realm/registry"
	"github.com/hazyhaar/realm/tailwind"
	"github.com/hazyhaar/realm/txn"
)

// ConflictStrategy decides what happens when a client writes against a
// version older than the one already committed.
type ConflictStrategy string

const (
	LastWriteWins  ConflictStrategy = "last-write-wins"
	FirstWriteWins ConflictStrategy = "first-write-wins"
	ManualResolve  ConflictStrategy = "manual"
)

// ErrStaleEvent rejects events older than the freshness window.
var ErrStaleEvent = errors.New("engine: event too old")

// ErrUnknownElement rejects edits against hashes the registry never saw.
var ErrUnknownElement = errors.New("engine: unknown element")

// ErrConflictDropped reports an edit discarded by first-write-wins.
var ErrConflictDropped = errors.New("engine: conflicting edit dropped")

// Options tunes an Engine.
type Options struct {
	// DebounceDelay coalesces rapid style/text events per element. Default: 50ms.
	DebounceDelay time.Duration
	// Freshness is the maximum accepted event age. Default: 10s.
	Freshness time.Duration
	// Conflicts picks the resolution strategy. Default: last-write-wins.
	Conflicts ConflictStrategy
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = 50 * time.Millisecond
	}
	if o.Freshness <= 0 {
		o.Freshness = 10 * time.Second
	}
	if o.Conflicts == "" {
		o.Conflicts = LastWriteWins
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine wires the registry, transaction manager, and bus together behind
// the client-facing surface.
type Engine struct {
	opts   Options
	reg    *registry.Registry
	txns   *txn.Manager
	events *bus.Bus
	deb    *debouncer

	mu       sync.Mutex
	clients  map[string]Client
	previews map[string]bus.Event // "file:hash" → latest preview edit
	versions map[string]int       // hash → committed version
	lastTxn  map[string]string    // hash → last committed transaction

	sub *bus.Subscription
	ctx context.Context
}

// New creates an Engine and attaches it to the bus: every emitted event is
// broadcast to connected clients with echo suppression.
func New(ctx context.Context, reg *registry.Registry, txns *txn.Manager, events *bus.Bus, opts Options) *Engine {
	opts.defaults()
	e := &Engine{
		opts:     opts,
		reg:      reg,
		txns:     txns,
		events:   events,
		clients:  make(map[string]Client),
		previews: make(map[string]bus.Event),
		versions: make(map[string]int),
		lastTxn:  make(map[string]string),
		ctx:      ctx,
	}
	e.deb = newDebouncer(opts.DebounceDelay, e.process)
	e.sub = events.Subscribe(bus.Wildcard, e.broadcast)
	return e
}

// RegisterClient adds a client to the broadcast set.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	e.clients[c.ID()] = c
	e.mu.Unlock()
	e.opts.Logger.Info("engine: client registered", "client", c.ID(), "type", c.Type())
}

// UnregisterClient removes a client.
func (e *Engine) UnregisterClient(id string) {
	e.mu.Lock()
	_, ok := e.clients[id]
	delete(e.clients, id)
	e.mu.Unlock()
	if ok {
		e.opts.Logger.Info("engine: client unregistered", "client", id)
	}
}

// ClientCount returns the number of registered clients.
func (e *Engine) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// ReceiveFromClient ingests one event from a connected client. Stale
// events and malformed identities are rejected outright. Style and text
// edits are debounced per element (latest wins); after the window closes,
// preview edits are rebroadcast without touching disk and persistent edits
// run through the transaction pipeline.
func (e *Engine) ReceiveFromClient(c Client, ev bus.Event) error {
	if ev.ID == "" {
		ev = e.events.NewEvent(ev.Source, ev.Payload)
	}
	if !ev.Timestamp.IsZero() && time.Since(ev.Timestamp) > e.opts.Freshness {
		e.opts.Logger.Warn("engine: stale event rejected",
			"client", c.ID(), "type", ev.Type(), "age", time.Since(ev.Timestamp))
		return fmt.Errorf("%w: %s from %s", ErrStaleEvent, ev.Type(), c.ID())
	}
	if id, ok := realmIDOf(ev.Payload); ok {
		if err := id.Validate(); err != nil {
			return fmt.Errorf("engine: reject %s: %w", ev.Type(), err)
		}
	}

	switch p := ev.Payload.(type) {
	case bus.StyleChanged:
		e.deb.push(debounceKey(ev.Type(), p.RealmID.Hash), ev)
		return nil
	case bus.TextChanged:
		e.deb.push(debounceKey(ev.Type(), p.RealmID.Hash), ev)
		return nil
	case bus.CommitRequested:
		return e.CommitPending(p.RealmID.Hash)
	case bus.RollbackRequested:
		if p.TransactionID != "" {
			return e.RollbackTransaction(p.TransactionID)
		}
		e.RollbackPending(p.RealmID)
		return nil
	default:
		e.events.Emit(ev)
		return nil
	}
}

func debounceKey(t bus.Type, hash string) string {
	return string(t) + ":" + hash
}

func previewKey(id identity.RealmID) string {
	return id.SourceFile + ":" + id.Hash
}

func (e *Engine) storePreview(id identity.RealmID, ev bus.Event) {
	e.mu.Lock()
	e.previews[previewKey(id)] = ev
	e.mu.Unlock()
}

// CommitPending promotes the stored preview edit for an element into a
// persistent mutation.
func (e *Engine) CommitPending(hash string) error {
	e.mu.Lock()
	var found *bus.Event
	var key string
	for k, ev := range e.previews {
		if strings.HasSuffix(k, ":"+hash) {
			evCopy := ev
			found, key = &evCopy, k
			break
		}
	}
	if found != nil {
		delete(e.previews, key)
	}
	e.mu.Unlock()

	if found == nil {
		return fmt.Errorf("%w: no pending edit for %s", ErrUnknownElement, hash)
	}
	ev := *found
	ev.Payload = clearPreview(ev.Payload)
	return e.mutate(ev)
}

// RollbackPending discards the preview edit for an element.
func (e *Engine) RollbackPending(id identity.RealmID) {
	e.mu.Lock()
	_, had := e.previews[previewKey(id)]
	delete(e.previews, previewKey(id))
	e.mu.Unlock()
	if had {
		e.events.Emit(e.events.NewEvent(bus.SourceSystem, bus.RollbackCompleted{RealmID: id}))
	}
}

// RollbackTransaction reverts a committed transaction and walks the
// element's tracked version back.
func (e *Engine) RollbackTransaction(txnID string) error {
	t, ok := e.txns.Get(txnID)
	if !ok {
		return fmt.Errorf("engine: rollback: transaction %s not found", txnID)
	}
	if err := e.txns.Rollback(e.ctx, txnID); err != nil {
		return err
	}
	hash := t.RealmID.Hash
	e.mu.Lock()
	if e.versions[hash] > 0 {
		e.versions[hash]--
	}
	e.mu.Unlock()
	e.events.Emit(e.events.NewEvent(bus.SourceSystem, bus.RollbackCompleted{
		RealmID:       t.RealmID,
		TransactionID: txnID,
	}))
	return nil
}

// PendingCount returns the number of stored preview edits.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.previews)
}

// process runs after the debounce window closes. Previews are stored and
// rebroadcast only; persistent edits go through conflict check and the
// transaction round-trip.
func (e *Engine) process(ev bus.Event) {
	id, _ := realmIDOf(ev.Payload)

	if isPreview(ev.Payload) {
		e.storePreview(id, ev)
		e.events.Emit(ev)
		return
	}

	e.mu.Lock()
	tracked := e.versions[id.Hash]
	e.mu.Unlock()

	if id.Version < tracked {
		switch e.opts.Conflicts {
		case FirstWriteWins:
			e.opts.Logger.Warn("engine: conflicting edit dropped",
				"hash", id.Hash, "incoming", id.Version, "tracked", tracked)
			return
		case ManualResolve:
			e.events.Emit(e.events.NewEvent(bus.SourceSystem, bus.SyncRequested{
				RealmID:       id,
				LocalVersion:  tracked,
				RemoteVersion: id.Version,
				Reason:        "version conflict",
			}))
			return
		}
		// last-write-wins falls through
	}

	if err := e.mutate(ev); err != nil {
		e.opts.Logger.Error("engine: mutation failed",
			"hash", id.Hash, "type", ev.Type(), "error", err)
	}
}

// mutate performs the full persistent write: begin transaction, apply the
// source mutation, validate against external changes, commit, bump the
// tracked version, and announce completion.
func (e *Engine) mutate(ev bus.Event) error {
	id, ok := realmIDOf(ev.Payload)
	if !ok {
		return fmt.Errorf("engine: event %s carries no element identity", ev.Type())
	}
	sel, change, op, err := e.plan(ev.Payload)
	if err != nil {
		return err
	}

	t, err := e.txns.Begin(e.ctx, id)
	if err != nil {
		return err
	}
	if err := e.txns.AddOperation(t.ID, op); err != nil {
		e.abort(t.ID, err.Error())
		return err
	}

	res := jsx.Apply(t.BeforeSnapshot.Content, sel, change)
	if !res.OK {
		e.abort(t.ID, string(res.Reason))
		return fmt.Errorf("engine: apply %s on %s: %w", sel, id.SourceFile, res.Err)
	}

	vr, err := e.txns.Validate(t.ID)
	if err != nil {
		e.abort(t.ID, err.Error())
		return err
	}
	if !vr.Valid {
		reason := strings.Join(vr.Errors, ",")
		e.abort(t.ID, reason)
		return fmt.Errorf("engine: validation failed for %s: %s", id.Hash, reason)
	}

	if err := e.txns.Commit(t.ID, res.Source); err != nil {
		return err
	}

	committed := e.bumpVersion(id, ev.Payload)
	e.mu.Lock()
	e.lastTxn[id.Hash] = t.ID
	delete(e.previews, previewKey(id))
	e.mu.Unlock()

	e.events.Emit(e.events.NewEvent(ev.Source, bus.CommitCompleted{
		RealmID:       committed,
		TransactionID: t.ID,
	}))
	return nil
}

func (e *Engine) abort(txnID, reason string) {
	if err := e.txns.Abort(txnID, reason); err != nil {
		e.opts.Logger.Warn("engine: abort failed", "txn", txnID, "error", err)
	}
}

// plan translates an edit payload into the selector, source change, and
// change-log operation it implies.
func (e *Engine) plan(p bus.Payload) (string, jsx.Change, txn.Operation, error) {
	switch v := p.(type) {
	case bus.StyleChanged:
		sel, err := e.selectorFor(v.RealmID)
		if err != nil {
			return "", jsx.Change{}, txn.Operation{}, err
		}
		kind := txn.OpStyle
		if len(v.Classes) > 0 || v.ClassName != "" {
			kind = txn.OpClass
		}
		return sel, jsx.Change{Styles: v.Styles, Classes: v.Classes, ClassName: v.ClassName},
			txn.Operation{Kind: kind, Selector: sel, Styles: v.Styles, Classes: v.Classes, ClassName: v.ClassName}, nil
	case bus.TextChanged:
		sel, err := e.selectorFor(v.RealmID)
		if err != nil {
			return "", jsx.Change{}, txn.Operation{}, err
		}
		text := v.Text
		return sel, jsx.Change{Text: &text},
			txn.Operation{Kind: txn.OpText, Selector: sel, Text: v.Text}, nil
	}
	return "", jsx.Change{}, txn.Operation{}, fmt.Errorf("engine: no mutation for payload %T", p)
}

// selectorFor rebuilds a source selector from the registry's view of the
// element: tag plus its known classes.
func (e *Engine) selectorFor(id identity.RealmID) (string, error) {
	info, ok := e.reg.Get(id.Hash)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownElement, id.Hash)
	}
	sel := info.TagName
	for _, c := range strings.Fields(info.ClassName()) {
		sel += "." + c
	}
	if sel == "" {
		return "", fmt.Errorf("%w: %s has no selectable shape", ErrUnknownElement, id.Hash)
	}
	return sel, nil
}

// bumpVersion advances the committed version and folds the edit into the
// registry copy so later lookups see current state.
func (e *Engine) bumpVersion(id identity.RealmID, p bus.Payload) identity.RealmID {
	e.mu.Lock()
	e.versions[id.Hash]++
	version := e.versions[id.Hash]
	e.mu.Unlock()

	info, ok := e.reg.Get(id.Hash)
	if !ok {
		id.Version = version
		return id
	}
	info.RealmID.Version = version
	switch v := p.(type) {
	case bus.StyleChanged:
		if info.Styles == nil && len(v.Styles) > 0 {
			info.Styles = make(map[string]string, len(v.Styles))
		}
		for k, val := range v.Styles {
			info.Styles[k] = val
		}
		if v.ClassName != "" || len(v.Classes) > 0 {
			if info.Attributes == nil {
				info.Attributes = make(map[string]string, 1)
			}
			if v.ClassName != "" {
				info.Attributes["className"] = v.ClassName
			} else {
				info.Attributes["className"] = tailwind.Merge(info.ClassName(), v.Classes)
			}
		}
	case bus.TextChanged:
		info.TextContent = v.Text
	}
	e.reg.Register(info)
	return info.RealmID
}

// broadcast fans one bus event out to every connected client except those
// of the type that originated it.
func (e *Engine) broadcast(ev bus.Event) {
	origin, suppress := originType(ev.Source)

	e.mu.Lock()
	targets := make([]Client, 0, len(e.clients))
	for _, c := range e.clients {
		if suppress && c.Type() == origin {
			continue
		}
		targets = append(targets, c)
	}
	e.mu.Unlock()

	for _, c := range targets {
		if !c.IsConnected() {
			continue
		}
		if err := c.Send(ev); err != nil {
			e.opts.Logger.Warn("engine: send failed", "client", c.ID(), "error", err)
		}
	}
}

// Stats summarises engine state for introspection endpoints.
type Stats struct {
	Clients  int `json:"clients"`
	Previews int `json:"previews"`
	Tracked  int `json:"tracked"`
}

// Stats returns current counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Clients: len(e.clients), Previews: len(e.previews), Tracked: len(e.versions)}
}

// Cleanup detaches the engine from the bus and drops all client and
// preview state. The engine must not be used afterwards.
func (e *Engine) Cleanup() {
	e.deb.stop()
	e.sub.Unsubscribe()
	e.mu.Lock()
	e.clients = make(map[string]Client)
	e.previews = make(map[string]bus.Event)
	e.mu.Unlock()
}

// realmIDOf extracts the element identity from payloads that carry one.
func realmIDOf(p bus.Payload) (identity.RealmID, bool) {
	switch v := p.(type) {
	case bus.StyleChanged:
		return v.RealmID, true
	case bus.TextChanged:
		return v.RealmID, true
	case bus.ElementSelected:
		return v.RealmID, true
	case bus.CommitRequested:
		return v.RealmID, true
	case bus.RollbackRequested:
		return v.RealmID, true
	case bus.ElementRegistered:
		return v.RealmID, true
	case bus.ElementUpdated:
		return v.RealmID, true
	}
	return identity.RealmID{}, false
}

// isPreview reports whether the payload is a preview-flagged edit.
func isPreview(p bus.Payload) bool {
	switch v := p.(type) {
	case bus.StyleChanged:
		return v.Preview
	case bus.TextChanged:
		return v.Preview
	}
	return false
}

// clearPreview returns the payload with its preview flag lowered.
func clearPreview(p bus.Payload) bus.Payload {
	switch v := p.(type) {
	case bus.StyleChanged:
		v.Preview = false
		return v
	case bus.TextChanged:
		v.Preview = false
		return v
	}
	return p
}
