package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/realm/filelock"
	"github.com/hazyhaar/realm/identity"
)

type memLog struct {
	entries    []ChangeEntry
	rolledBack []string
}

func (l *memLog) Append(e ChangeEntry) { l.entries = append(l.entries, e) }
func (l *memLog) MarkRolledBack(txnID string) bool {
	l.rolledBack = append(l.rolledBack, txnID)
	return true
}

func fixture(t *testing.T, content string) (mgr *Manager, log *memLog, id identity.RealmID, path string) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "App.tsx")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	locks := filelock.New(filelock.Options{AcquireTimeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	log = &memLog{}
	mgr = NewManager(locks, log, nil, Options{})
	id = identity.New(path, "App", "JSXElement[0]", identity.Location{
		Start: identity.Position{Line: 1, Column: 1},
		End:   identity.Position{Line: 1, Column: 40},
	})
	return mgr, log, id, path
}

const src = `function App() { return <div className="p-2">Hi</div>; }`

func TestHappyPath(t *testing.T) {
	mgr, log, id, path := fixture(t, src)
	ctx := context.Background()

	tx, err := mgr.Begin(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusPending || tx.BeforeSnapshot.Content != src {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	if err := mgr.AddOperation(tx.ID, Operation{Kind: OpClass, Classes: []string{"text-red-500"}}); err != nil {
		t.Fatal(err)
	}

	res, err := mgr.Validate(tx.ID)
	if err != nil || !res.Valid {
		t.Fatalf("validate: res=%+v err=%v", res, err)
	}

	newContent := strings.Replace(src, "p-2", "p-2 text-red-500", 1)
	if err := mgr.Commit(tx.ID, newContent); err != nil {
		t.Fatal(err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != newContent {
		t.Fatalf("file content = %q", got)
	}
	if len(log.entries) != 1 {
		t.Fatalf("change log entries = %d", len(log.entries))
	}
	e := log.entries[0]
	if e.BeforeContent != src || e.AfterContent != newContent || e.TransactionID != tx.ID {
		t.Fatalf("bad entry: %+v", e)
	}

	// Lock released after commit: a second Begin succeeds immediately.
	tx2, err := mgr.Begin(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	mgr.Abort(tx2.ID, "test cleanup")
}

func TestMutualExclusion(t *testing.T) {
	// A second Begin on the same file blocks until the first transaction
	// finishes; with a short acquire timeout it fails instead.
	mgr, _, id, _ := fixture(t, src)
	ctx := context.Background()

	tx1, err := mgr.Begin(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Begin(ctx, id); !errors.Is(err, filelock.ErrAcquireTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}

	if err := mgr.Abort(tx1.ID, "done"); err != nil {
		t.Fatal(err)
	}
	tx3, err := mgr.Begin(ctx, id)
	if err != nil {
		t.Fatalf("begin after abort: %v", err)
	}
	mgr.Abort(tx3.ID, "test cleanup")
}

func TestValidateDetectsExternalWrite(t *testing.T) {
	mgr, _, id, path := fixture(t, src)
	tx, err := mgr.Begin(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	// An external writer (not using the lock) touches the file.
	if err := os.WriteFile(path, []byte(src+"\n// external"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := mgr.Validate(tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || len(res.Errors) != 1 || res.Errors[0] != CodeFileChanged {
		t.Fatalf("expected FILE_CHANGED, got %+v", res)
	}
	// Still pending: the caller decides to abort.
	if got, _ := mgr.Get(tx.ID); got.Status != StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
	mgr.Abort(tx.ID, CodeFileChanged)
}

func TestValidateExpired(t *testing.T) {
	mgr, _, id, _ := fixture(t, src)
	mgr.opts.TTL = 10 * time.Millisecond

	tx, err := mgr.Begin(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	res, err := mgr.Validate(tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Errors[0] != CodeExpired {
		t.Fatalf("expected TRANSACTION_EXPIRED, got %+v", res)
	}
	mgr.Abort(tx.ID, CodeExpired)
}

func TestRollbackRestoresByteIdentical(t *testing.T) {
	mgr, log, id, path := fixture(t, src)
	ctx := context.Background()

	tx, _ := mgr.Begin(ctx, id)
	if res, err := mgr.Validate(tx.ID); err != nil || !res.Valid {
		t.Fatalf("validate: %+v %v", res, err)
	}
	if err := mgr.Commit(tx.ID, "totally new content"); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Rollback(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != src {
		t.Fatalf("rollback not byte-identical: %q", got)
	}
	if len(log.rolledBack) != 1 || log.rolledBack[0] != tx.ID {
		t.Fatalf("log not marked: %+v", log.rolledBack)
	}
	if got, _ := mgr.Get(tx.ID); got.Status != StatusRolledBack {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestStatusTransitionsEnforced(t *testing.T) {
	mgr, _, id, _ := fixture(t, src)
	ctx := context.Background()
	tx, _ := mgr.Begin(ctx, id)

	// Commit before validate is API misuse.
	var ise *InvalidStatusError
	if err := mgr.Commit(tx.ID, "x"); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStatusError, got %v", err)
	}
	// Rollback of a non-committed transaction is API misuse.
	if err := mgr.Rollback(ctx, tx.ID); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStatusError, got %v", err)
	}

	mgr.Validate(tx.ID)
	// AddOperation after validate is rejected.
	if err := mgr.AddOperation(tx.ID, Operation{Kind: OpText}); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStatusError, got %v", err)
	}
	mgr.Commit(tx.ID, src)

	// Abort of a committed transaction is rejected.
	if err := mgr.Abort(tx.ID, "nope"); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStatusError, got %v", err)
	}

	if err := mgr.AddOperation("txn_missing", Operation{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitAtomicity(t *testing.T) {
	// A crash between temp-write and rename leaves the original intact:
	// the temp file lives beside the target and never aliases it.
	mgr, _, id, path := fixture(t, src)
	tx, _ := mgr.Begin(context.Background(), id)
	mgr.Validate(tx.ID)

	// Simulate the temp-write half of commit.
	tmp := path + ".crashed-tmp"
	if err := os.WriteFile(tmp, []byte("half written"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != src {
		t.Fatal("original damaged before rename")
	}

	// The real commit then lands fully.
	if err := mgr.Commit(tx.ID, "new"); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "new" {
		t.Fatalf("content = %q", got)
	}
}

func TestSweep(t *testing.T) {
	mgr, _, id, _ := fixture(t, src)
	mgr.opts.TTL = 10 * time.Millisecond
	mgr.opts.Retention = 50 * time.Millisecond

	tx, _ := mgr.Begin(context.Background(), id)
	time.Sleep(20 * time.Millisecond)

	mgr.Sweep(time.Now())
	got, _ := mgr.Get(tx.ID)
	if got.Status != StatusFailed {
		t.Fatalf("stale pending not aborted: %s", got.Status)
	}
	// Lock was released by the sweep's abort.
	tx2, err := mgr.Begin(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	mgr.Abort(tx2.ID, "cleanup")

	// Terminal transactions older than retention are collected.
	mgr.Sweep(time.Now().Add(time.Hour))
	if _, ok := mgr.Get(tx.ID); ok {
		t.Fatal("terminal transaction survived retention sweep")
	}
}
