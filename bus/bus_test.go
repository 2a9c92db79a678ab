package bus

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/realm/identity"
)

func testID() identity.RealmID {
	return identity.New("src/App.tsx", "App",
		"FunctionDeclaration.body/ReturnStatement.argument/JSXElement[0]",
		identity.Location{
			Start: identity.Position{Line: 1, Column: 20, Index: 19},
			End:   identity.Position{Line: 1, Column: 70, Index: 69},
		})
}

func TestEmitOrderAndWildcard(t *testing.T) {
	b := New(Options{})
	var order []string

	b.Subscribe(TypeStyleChanged, func(Event) { order = append(order, "typed-1") })
	b.Subscribe(Wildcard, func(Event) { order = append(order, "wild") })
	b.Subscribe(TypeStyleChanged, func(Event) { order = append(order, "typed-2") })
	b.Subscribe(TypeTextChanged, func(Event) { order = append(order, "other") })

	b.Emit(b.NewEvent(SourcePanel, StyleChanged{RealmID: testID()}))

	want := []string{"typed-1", "wild", "typed-2"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestEmitIsolatesPanics(t *testing.T) {
	b := New(Options{})
	var called bool
	b.Subscribe(TypeTextChanged, func(Event) { panic("boom") })
	b.Subscribe(TypeTextChanged, func(Event) { called = true })

	b.Emit(b.NewEvent(SourceEditor, TextChanged{RealmID: testID(), Text: "hi"}))
	if !called {
		t.Fatal("handler after a panicking handler did not run")
	}
}

func TestEmitAsyncJoins(t *testing.T) {
	b := New(Options{})
	var n atomic.Int32
	for i := 0; i < 8; i++ {
		b.Subscribe(TypeFileChanged, func(Event) { n.Add(1) })
	}
	b.Subscribe(TypeFileChanged, func(Event) { panic("boom") })

	b.EmitAsync(b.NewEvent(SourceFileWatcher, FileChanged{FilePath: "a.tsx"}))
	if n.Load() != 8 {
		t.Fatalf("expected all handlers to finish before EmitAsync returns, got %d", n.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(Options{})
	var calls int
	sub := b.Subscribe(TypeCommitRequested, func(Event) { calls++ })

	ev := b.NewEvent(SourcePanel, CommitRequested{RealmID: testID()})
	b.Emit(ev)
	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op
	b.Emit(ev)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestHistoryBounded(t *testing.T) {
	b := New(Options{HistorySize: 5})
	for i := 0; i < 9; i++ {
		b.Emit(b.NewEvent(SourceSystem, FileChanged{FilePath: fmt.Sprintf("f%d.tsx", i)}))
	}
	h := b.History()
	if len(h) != 5 {
		t.Fatalf("history length %d, want 5", len(h))
	}
	first := h[0].Payload.(FileChanged)
	if first.FilePath != "f4.tsx" {
		t.Errorf("oldest retained = %s, want f4.tsx", first.FilePath)
	}
	if got := b.Stats()[TypeFileChanged]; got != 9 {
		t.Errorf("counter = %d, want 9", got)
	}
}

func TestWireRoundTrip(t *testing.T) {
	b := New(Options{})
	ev := b.NewEvent(SourceDOM, StyleChanged{
		RealmID: testID(),
		Styles:  map[string]string{"color": "#ef4444"},
		Classes: []string{"text-red-500"},
		Preview: true,
	})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	// The wire shape is flat: envelope and variant fields side by side.
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "timestamp", "type", "source", "realmId", "styles"} {
		if _, ok := flat[key]; !ok {
			t.Errorf("wire shape missing %q: %s", key, data)
		}
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type() != TypeStyleChanged || back.ID != ev.ID {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	sc := back.Payload.(StyleChanged)
	if !sc.Preview || sc.Styles["color"] != "#ef4444" || sc.RealmID.Hash != testID().Hash {
		t.Fatalf("payload mismatch: %+v", sc)
	}
}

func TestWireRejectsUnknownType(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"id":"x","timestamp":0,"type":"BOGUS","source":"panel"}`), &ev)
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
