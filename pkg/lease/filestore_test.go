package lease

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewFileStore(dir)
	st, err := first.Update(ctx, "gpu-1", func(st *State) error {
		st.Phase = PhaseProvisioning
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if st.Phase != PhaseProvisioning {
		t.Fatalf("unexpected phase %s", st.Phase)
	}

	second := NewFileStore(dir)
	got, err := second.Get(ctx, "gpu-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Phase != PhaseProvisioning {
		t.Fatalf("state did not persist, got phase %s", got.Phase)
	}
}

func TestFileStoreCreatesUnprovisionedOnFirstReference(t *testing.T) {
	store := NewFileStore(t.TempDir())
	got, err := store.Get(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Phase != PhaseUnprovisioned {
		t.Fatalf("expected unprovisioned, got %s", got.Phase)
	}
}

func TestFileStoreUpdateErrorLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	if _, err := store.Update(ctx, "gpu-1", func(st *State) error {
		st.Phase = PhaseProvisioning
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	sentinel := &TransitionError{Name: "gpu-1", From: PhaseProvisioning, To: PhaseBusy}
	_, err := store.Update(ctx, "gpu-1", func(st *State) error {
		st.Phase = PhaseBusy
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the fn error verbatim, got %v", err)
	}
	got, _ := store.Get(ctx, "gpu-1")
	if got.Phase != PhaseProvisioning {
		t.Fatalf("record mutated despite fn error, phase %s", got.Phase)
	}
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	if _, err := store.Update(ctx, "gpu-1", func(st *State) error { return nil }); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := store.Delete(ctx, "gpu-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gpu-1.json")); !os.IsNotExist(err) {
		t.Fatal("state file should be gone after delete")
	}
}

func TestFileStoreBreaksStaleLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)

	// A lock left behind by a dead process, older than the stale cutoff.
	lockPath := filepath.Join(dir, "gpu-1.lock")
	if err := os.WriteFile(lockPath, []byte("dead:1234:deadbeef"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	old := time.Now().Add(-2 * lockStaleAfter)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := store.Update(ctx, "gpu-1", func(st *State) error { return nil })
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("update should break the stale lock, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update blocked on a stale lock")
	}
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenStore("file://" + dir)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}

	store, err = OpenStore(dir)
	if err != nil {
		t.Fatalf("open bare path store: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore for bare path, got %T", store)
	}

	if _, err := OpenStore("ftp://example.com/state"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}
