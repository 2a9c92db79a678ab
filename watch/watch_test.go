package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/realm/bus"
	"github.com/hazyhaar/realm/txn"
)

func tempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "App.tsx")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// collect subscribes to FILE_CHANGED and returns a snapshot accessor.
// Debounced events arrive from a timer goroutine, hence the lock.
func collect(events *bus.Bus) func() []bus.FileChanged {
	var mu sync.Mutex
	var got []bus.FileChanged
	events.Subscribe(bus.TypeFileChanged, func(ev bus.Event) {
		mu.Lock()
		got = append(got, ev.Payload.(bus.FileChanged))
		mu.Unlock()
	})
	return func() []bus.FileChanged {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.FileChanged(nil), got...)
	}
}

func TestPollDetectsExternalChange(t *testing.T) {
	events := bus.New(bus.Options{})
	got := collect(events)

	path := tempFile(t, "one")
	w := New(events, Options{})
	w.Track(path)

	w.Poll()
	if len(got()) != 0 {
		t.Fatal("unchanged file reported")
	}

	if err := os.WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()

	if len(got()) != 1 {
		t.Fatalf("events = %d", len(got()))
	}
	ev := got()[0]
	if ev.FilePath != path || ev.ContentHash != txn.HashContent("two") {
		t.Fatalf("event: %+v", ev)
	}

	// Same content again: no further event.
	w.Poll()
	if len(got()) != 1 {
		t.Fatal("duplicate event for settled content")
	}
}

func TestSelfWriteSuppressed(t *testing.T) {
	events := bus.New(bus.Options{})
	got := collect(events)

	path := tempFile(t, "one")
	own := txn.HashContent("committed")
	w := New(events, Options{
		SelfWrite: func(p, hash string) bool { return hash == own },
	})
	w.Track(path)

	if err := os.WriteFile(path, []byte("committed"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()
	if len(got()) != 0 {
		t.Fatal("own write reported as external")
	}
	if w.Stats().SelfWritesSkipped != 1 {
		t.Fatalf("stats: %+v", w.Stats())
	}

	// A later external edit still fires.
	if err := os.WriteFile(path, []byte("external"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()
	if len(got()) != 1 {
		t.Fatalf("events = %d", len(got()))
	}
}

func TestDebounceCoalesces(t *testing.T) {
	events := bus.New(bus.Options{})
	got := collect(events)

	path := tempFile(t, "one")
	w := New(events, Options{Debounce: 30 * time.Millisecond})
	w.Track(path)

	// Two writes inside one window: one event, carrying the final content.
	if err := os.WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()
	if err := os.WriteFile(path, []byte("three"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(got()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(got()) != 1 {
		t.Fatalf("events = %d", len(got()))
	}
	if got()[0].ContentHash != txn.HashContent("three") {
		t.Fatal("debounce did not keep the final content")
	}
}

func TestUntrackStopsReporting(t *testing.T) {
	events := bus.New(bus.Options{})
	got := collect(events)

	path := tempFile(t, "one")
	w := New(events, Options{})
	w.Track(path)
	w.Untrack(path)

	if err := os.WriteFile(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()
	if len(got()) != 0 {
		t.Fatal("untracked file reported")
	}
	if len(w.Tracked()) != 0 {
		t.Fatal("path still tracked")
	}
}

func TestMissingFileAppears(t *testing.T) {
	events := bus.New(bus.Options{})
	got := collect(events)

	path := filepath.Join(t.TempDir(), "Later.tsx")
	w := New(events, Options{})
	w.Track(path)

	w.Poll()
	if len(got()) != 0 {
		t.Fatal("missing file reported")
	}

	if err := os.WriteFile(path, []byte("born"), 0o644); err != nil {
		t.Fatal(err)
	}
	w.Poll()
	if len(got()) != 1 {
		t.Fatalf("events = %d", len(got()))
	}
}
