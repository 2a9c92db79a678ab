package changelog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/realm/dbopen"
	"github.com/hazyhaar/realm/txn"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func entry(i int, file string) txn.ChangeEntry {
	return txn.ChangeEntry{
		TransactionID: fmt.Sprintf("txn_%03d", i),
		FilePath:      file,
		Timestamp:     time.Unix(1_700_000_000+int64(i), 0),
		Operations:    []txn.Operation{{Kind: txn.OpClass, Classes: []string{"p-2"}}},
		BeforeContent: "before",
		AfterContent:  "after",
		BeforeHash:    "b",
		AfterHash:     "a",
	}
}

func TestAppendAssignsID(t *testing.T) {
	l := New(Options{})
	l.Append(entry(1, "a.tsx"))

	got, ok := l.ByTransaction("txn_001")
	if !ok {
		t.Fatal("entry not indexed by transaction")
	}
	if got.ID == "" {
		t.Error("entry ID not assigned")
	}
}

func TestMarkRolledBack(t *testing.T) {
	l := New(Options{})
	l.Append(entry(1, "a.tsx"))

	if !l.MarkRolledBack("txn_001") {
		t.Fatal("mark failed")
	}
	if l.MarkRolledBack("txn_999") {
		t.Fatal("mark of unknown transaction should fail")
	}

	got, _ := l.ByTransaction("txn_001")
	if !got.RolledBack || got.RolledBackAt == nil {
		t.Fatalf("flag not set: %+v", got)
	}
	if l.Len() != 1 {
		t.Fatal("entry removed instead of flagged")
	}
}

func TestQueryFilters(t *testing.T) {
	l := New(Options{})
	for i := 1; i <= 6; i++ {
		file := "a.tsx"
		if i%2 == 0 {
			file = "b.tsx"
		}
		l.Append(entry(i, file))
	}
	l.MarkRolledBack("txn_003")

	// File scope, newest first.
	got := l.Query(Query{FilePath: "a.tsx"})
	if len(got) != 3 {
		t.Fatalf("file query: %d entries", len(got))
	}
	if got[0].TransactionID != "txn_005" || got[2].TransactionID != "txn_001" {
		t.Fatalf("not newest-first: %s … %s", got[0].TransactionID, got[2].TransactionID)
	}

	// Rolled-back exclusion.
	got = l.Query(Query{FilePath: "a.tsx", ExcludeRolledBack: true})
	if len(got) != 2 {
		t.Fatalf("exclude rolled back: %d entries", len(got))
	}

	// Transaction scope.
	got = l.Query(Query{TransactionID: "txn_004"})
	if len(got) != 1 || got[0].FilePath != "b.tsx" {
		t.Fatalf("txn query: %+v", got)
	}

	// Time range.
	got = l.Query(Query{
		Since: time.Unix(1_700_000_002, 0),
		Until: time.Unix(1_700_000_004, 0),
	})
	if len(got) != 3 {
		t.Fatalf("time range: %d entries", len(got))
	}

	// Cap.
	got = l.Query(Query{Limit: 2})
	if len(got) != 2 || got[0].TransactionID != "txn_006" {
		t.Fatalf("limit: %+v", got)
	}
}

func TestPrune(t *testing.T) {
	const max = 10
	l := New(Options{MaxEntries: max})
	for i := 1; i <= max+4; i++ {
		l.Append(entry(i, "a.tsx"))
	}

	if l.Len() != max {
		t.Fatalf("len = %d, want %d", l.Len(), max)
	}
	// The 4 oldest are gone.
	for i := 1; i <= 4; i++ {
		if _, ok := l.ByTransaction(fmt.Sprintf("txn_%03d", i)); ok {
			t.Errorf("pruned entry txn_%03d still indexed", i)
		}
	}
	// Survivors remain queryable through the rebuilt file index.
	got := l.Query(Query{FilePath: "a.tsx"})
	if len(got) != max {
		t.Fatalf("file query after prune: %d", len(got))
	}
	if got[0].TransactionID != "txn_014" || got[max-1].TransactionID != "txn_005" {
		t.Fatalf("index rebuilt wrong: %s … %s", got[0].TransactionID, got[max-1].TransactionID)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	db := dbopen.OpenMemory(t)
	store := NewStore(db, nil)
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	l := New(Options{Store: store})
	l.Append(entry(1, "a.tsx"))
	l.Append(entry(2, "b.tsx"))
	l.MarkRolledBack("txn_001")

	// Close drains the async buffer.
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	e1, _ := l.ByTransaction("txn_001")
	loaded, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d entries", len(loaded))
	}
	// Oldest first for replay.
	if loaded[0].TransactionID != "txn_001" || loaded[1].TransactionID != "txn_002" {
		t.Fatalf("order: %s, %s", loaded[0].TransactionID, loaded[1].TransactionID)
	}
	if !loaded[0].RolledBack || loaded[0].ID != e1.ID {
		t.Fatalf("rolled-back flag lost: %+v", loaded[0])
	}
	if len(loaded[0].Operations) != 1 || loaded[0].Operations[0].Kind != txn.OpClass {
		t.Fatalf("operations lost: %+v", loaded[0].Operations)
	}
}
