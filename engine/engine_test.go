package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/filelock"
	"github.com/hazyhaar/realm/identity"
	"github.com/hazyhaar/realm/registry"
	"github.com/hazyhaar/realm/txn"
)

const btnSrc = `function Btn(){ return <button className="p-2 text-blue-500">Hi</button>; }`

type fakeClient struct {
	id        string
	typ       ClientType
	connected bool

	mu     sync.Mutex
	events []bus.Event
}

func (c *fakeClient) ID() string        { return c.id }
func (c *fakeClient) Type() ClientType  { return c.typ }
func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Send(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeClient) received(t bus.Type) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, ev := range c.events {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

type memLog struct {
	mu      sync.Mutex
	entries []txn.ChangeEntry
}

func (l *memLog) Append(e txn.ChangeEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *memLog) MarkRolledBack(string) bool { return true }

type fixture struct {
	path   string
	id     identity.RealmID
	eng    *Engine
	events *bus.Bus
	log    *memLog
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "Btn.tsx")
	if err := os.WriteFile(path, []byte(btnSrc), 0o644); err != nil {
		t.Fatal(err)
	}

	events := bus.New(bus.Options{})
	reg := registry.New(events, nil)
	log := &memLog{}
	locks := filelock.New(filelock.Options{AcquireTimeout: time.Second})
	txns := txn.NewManager(locks, log, events, txn.Options{})

	id := identity.New(path, "Btn", "JSXElement[0]", identity.Location{
		Start: identity.Position{Line: 1, Column: 24},
		End:   identity.Position{Line: 1, Column: 78},
	})
	reg.Register(registry.ElementInfo{
		RealmID: id,
		TagName: "button",
		Attributes: map[string]string{
			"className": "p-2 text-blue-500",
		},
		TextContent: "Hi",
	})

	if opts.DebounceDelay == 0 {
		opts.DebounceDelay = 5 * time.Millisecond
	}
	eng := New(context.Background(), reg, txns, events, opts)
	t.Cleanup(eng.Cleanup)
	return &fixture{path: path, id: id, eng: eng, events: events, log: log}
}

func (f *fixture) fileContent(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestPreviewBroadcastWithoutWrite(t *testing.T) {
	f := newFixture(t, Options{})
	dom := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	panel := &fakeClient{id: "c2", typ: ClientPostMessage, connected: true}
	f.eng.RegisterClient(dom)
	f.eng.RegisterClient(panel)

	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id,
		Classes: []string{"text-red-500"},
		Preview: true,
	})
	if err := f.eng.ReceiveFromClient(panel, ev); err != nil {
		t.Fatal(err)
	}

	// The DOM side sees it, the originating panel side does not.
	waitFor(t, func() bool { return len(dom.received(bus.TypeStyleChanged)) == 1 })
	if len(panel.received(bus.TypeStyleChanged)) != 0 {
		t.Fatal("event echoed back to originating client type")
	}
	if f.fileContent(t) != btnSrc {
		t.Fatal("preview must not touch disk")
	}
	if f.eng.PendingCount() != 1 {
		t.Fatalf("pending = %d", f.eng.PendingCount())
	}
}

func TestPreviewBurstCoalesced(t *testing.T) {
	f := newFixture(t, Options{DebounceDelay: 30 * time.Millisecond})
	dom := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(dom)

	for _, class := range []string{"text-red-500", "text-green-500", "text-yellow-500"} {
		ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
			RealmID: f.id,
			Classes: []string{class},
			Preview: true,
		})
		if err := f.eng.ReceiveFromClient(dom, ev); err != nil {
			t.Fatal(err)
		}
	}

	// The burst collapses into a single broadcast carrying the final edit.
	waitFor(t, func() bool { return len(dom.received(bus.TypeStyleChanged)) >= 1 })
	time.Sleep(60 * time.Millisecond)
	got := dom.received(bus.TypeStyleChanged)
	if len(got) != 1 {
		t.Fatalf("burst of 3 previews broadcast %d times", len(got))
	}
	p := got[0].Payload.(bus.StyleChanged)
	if len(p.Classes) != 1 || p.Classes[0] != "text-yellow-500" {
		t.Fatalf("broadcast edit: %+v", p)
	}
	if f.fileContent(t) != btnSrc {
		t.Fatal("preview must not touch disk")
	}
	if f.eng.PendingCount() != 1 {
		t.Fatalf("pending = %d", f.eng.PendingCount())
	}
}

func TestPersistentEditCommits(t *testing.T) {
	f := newFixture(t, Options{})
	dom := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(dom)

	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id,
		Classes: []string{"text-red-500"},
	})
	if err := f.eng.ReceiveFromClient(dom, ev); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return strings.Contains(f.fileContent(t), `className="p-2 text-red-500"`)
	})
	waitFor(t, func() bool { return len(dom.received(bus.TypeCommitCompleted)) == 1 })

	done := dom.received(bus.TypeCommitCompleted)[0].Payload.(bus.CommitCompleted)
	if done.RealmID.Version != 1 {
		t.Fatalf("version = %d", done.RealmID.Version)
	}
	f.log.mu.Lock()
	entries := len(f.log.entries)
	f.log.mu.Unlock()
	if entries != 1 {
		t.Fatalf("change log entries = %d", entries)
	}
}

func TestDebounceKeepsLatest(t *testing.T) {
	f := newFixture(t, Options{DebounceDelay: 30 * time.Millisecond})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(c)

	for _, class := range []string{"text-red-500", "text-green-500", "text-yellow-500"} {
		ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
			RealmID: f.id,
			Classes: []string{class},
		})
		if err := f.eng.ReceiveFromClient(c, ev); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		return strings.Contains(f.fileContent(t), "text-yellow-500")
	})
	if strings.Contains(f.fileContent(t), "text-red-500") {
		t.Fatal("superseded edit applied")
	}
	f.log.mu.Lock()
	entries := len(f.log.entries)
	f.log.mu.Unlock()
	if entries != 1 {
		t.Fatalf("coalescing failed: %d commits", entries)
	}
}

func TestStaleEventRejected(t *testing.T) {
	f := newFixture(t, Options{Freshness: 100 * time.Millisecond})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}

	ev := f.events.NewEvent(bus.SourcePanel, bus.TextChanged{RealmID: f.id, Text: "x"})
	ev.Timestamp = time.Now().Add(-time.Second)
	err := f.eng.ReceiveFromClient(c, ev)
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("err = %v", err)
	}
	if f.fileContent(t) != btnSrc {
		t.Fatal("stale event reached disk")
	}
}

func TestInvalidIdentityRejected(t *testing.T) {
	f := newFixture(t, Options{})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}

	bad := f.id
	bad.Hash = "nothex"
	ev := f.events.NewEvent(bus.SourcePanel, bus.TextChanged{RealmID: bad, Text: "x"})
	if err := f.eng.ReceiveFromClient(c, ev); err == nil {
		t.Fatal("malformed identity accepted")
	}
}

func TestFirstWriteWinsDropsConflict(t *testing.T) {
	f := newFixture(t, Options{Conflicts: FirstWriteWins})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(c)

	// First edit lands and bumps the tracked version to 1.
	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-red-500"},
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(c.received(bus.TypeCommitCompleted)) == 1 })

	// Second edit still claims version 0: dropped.
	ev = f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-green-500"},
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if strings.Contains(f.fileContent(t), "text-green-500") {
		t.Fatal("conflicting edit applied")
	}
}

func TestManualConflictEmitsSyncRequested(t *testing.T) {
	f := newFixture(t, Options{Conflicts: ManualResolve})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(c)

	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-red-500"},
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(c.received(bus.TypeCommitCompleted)) == 1 })

	ev = f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-green-500"},
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(c.received(bus.TypeSyncRequested)) == 1 })

	req := c.received(bus.TypeSyncRequested)[0].Payload.(bus.SyncRequested)
	if req.LocalVersion != 1 || req.RemoteVersion != 0 {
		t.Fatalf("versions: %+v", req)
	}
	if strings.Contains(f.fileContent(t), "text-green-500") {
		t.Fatal("conflicting edit applied")
	}
}

func TestCommitPendingPromotesPreview(t *testing.T) {
	f := newFixture(t, Options{})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(c)

	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-red-500"}, Preview: true,
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.eng.PendingCount() == 1 })
	if f.fileContent(t) != btnSrc {
		t.Fatal("preview wrote to disk")
	}

	if err := f.eng.CommitPending(f.id.Hash); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.fileContent(t), "text-red-500") {
		t.Fatal("commit did not apply the preview")
	}
	if f.eng.PendingCount() != 0 {
		t.Fatal("preview not cleared")
	}
}

func TestRollbackPendingDiscards(t *testing.T) {
	f := newFixture(t, Options{})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(c)

	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-red-500"}, Preview: true,
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.eng.PendingCount() == 1 })
	f.eng.RollbackPending(f.id)

	if f.eng.PendingCount() != 0 {
		t.Fatal("preview still pending")
	}
	if err := f.eng.CommitPending(f.id.Hash); err == nil {
		t.Fatal("commit succeeded after rollback")
	}
	waitFor(t, func() bool { return len(c.received(bus.TypeRollbackCompleted)) == 1 })
}

func TestRollbackTransactionRestoresFile(t *testing.T) {
	f := newFixture(t, Options{})
	c := &fakeClient{id: "c1", typ: ClientWebSocket, connected: true}
	f.eng.RegisterClient(c)

	ev := f.events.NewEvent(bus.SourcePanel, bus.StyleChanged{
		RealmID: f.id, Classes: []string{"text-red-500"},
	})
	if err := f.eng.ReceiveFromClient(c, ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(c.received(bus.TypeCommitCompleted)) == 1 })

	done := c.received(bus.TypeCommitCompleted)[0].Payload.(bus.CommitCompleted)
	if err := f.eng.RollbackTransaction(done.TransactionID); err != nil {
		t.Fatal(err)
	}
	if f.fileContent(t) != btnSrc {
		t.Fatal("file not restored")
	}
	waitFor(t, func() bool { return len(c.received(bus.TypeRollbackCompleted)) == 1 })
}
