package lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// driveToRunning walks a fresh record through its provisioning transitions.
func driveToRunning(t *testing.T, m *Manager, name string) {
	t.Helper()
	ctx := context.Background()
	for _, phase := range []Phase{PhaseProvisioning, PhaseStopped, PhaseStarting, PhaseRunning} {
		if _, err := m.Transition(ctx, name, phase); err != nil {
			t.Fatalf("transition to %s failed: %v", phase, err)
		}
	}
}

func TestAcquireRequiresRunning(t *testing.T) {
	m := NewManager(NewMemStore(), discardLogger())
	_, err := m.Acquire(context.Background(), "gpu-1", "holder-a", time.Minute)
	var notReady *NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected NotReadyError, got %v", err)
	}
	if notReady.Phase != PhaseUnprovisioned {
		t.Fatalf("expected unprovisioned phase in error, got %s", notReady.Phase)
	}
}

func TestAcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemStore(), discardLogger())
	driveToRunning(t, m, "gpu-1")

	granted, err := m.Acquire(ctx, "gpu-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if granted.HolderID != "holder-a" {
		t.Fatalf("unexpected holder %q", granted.HolderID)
	}

	st, err := m.Get(ctx, "gpu-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if st.Phase != PhaseBusy {
		t.Fatalf("expected busy after acquire, got %s", st.Phase)
	}
	if st.Lease == nil {
		t.Fatal("expected lease to be recorded while busy")
	}

	_, err = m.Acquire(ctx, "gpu-1", "holder-b", time.Minute)
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyError for second acquire, got %v", err)
	}
	if busy.Lease.HolderID != "holder-a" {
		t.Fatalf("busy error should name the current holder, got %q", busy.Lease.HolderID)
	}

	// Releasing with the wrong holder must not disturb the lease.
	if err := m.Release(ctx, "gpu-1", "holder-b"); err != nil {
		t.Fatalf("release by non-holder should be a no-op, got %v", err)
	}
	st, _ = m.Get(ctx, "gpu-1")
	if st.Lease == nil || st.Lease.HolderID != "holder-a" {
		t.Fatal("lease should survive a release by a non-holder")
	}

	if err := m.Release(ctx, "gpu-1", "holder-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	st, _ = m.Get(ctx, "gpu-1")
	if st.Phase != PhaseRunning {
		t.Fatalf("expected running after release, got %s", st.Phase)
	}
	if st.Lease != nil {
		t.Fatal("lease should be cleared after release")
	}
}

func TestAcquireReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemStore(), discardLogger())
	driveToRunning(t, m, "gpu-1")

	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Acquire(ctx, "gpu-1", "holder-dead", time.Minute); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Jump past the TTL; the abandoned lease must be reclaimable.
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	granted, err := m.Acquire(ctx, "gpu-1", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimed, got %v", err)
	}
	if granted.HolderID != "holder-b" {
		t.Fatalf("unexpected holder after reclaim: %q", granted.HolderID)
	}
}

func TestRenewExtendsOnlyForHolder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemStore(), discardLogger())
	driveToRunning(t, m, "gpu-1")

	base := time.Now()
	m.now = func() time.Time { return base }
	granted, err := m.Acquire(ctx, "gpu-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	renewed, err := m.Renew(ctx, "gpu-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if !renewed.ExpiresAt.After(granted.ExpiresAt) {
		t.Fatal("renew should push the expiry forward")
	}

	_, err = m.Renew(ctx, "gpu-1", "holder-b", time.Minute)
	var notHolder *NotHolderError
	if !errors.As(err, &notHolder) {
		t.Fatalf("expected NotHolderError, got %v", err)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	m := NewManager(NewMemStore(), discardLogger())
	_, err := m.Transition(context.Background(), "gpu-1", PhaseRunning)
	var transition *TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if transition.From != PhaseUnprovisioned || transition.To != PhaseRunning {
		t.Fatalf("unexpected edge in error: %s -> %s", transition.From, transition.To)
	}
}

func TestTransitionToUnprovisionedClearsEndpoint(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemStore(), discardLogger())
	if _, err := m.Transition(ctx, "gpu-1", PhaseProvisioning); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, err := m.Transition(ctx, "gpu-1", PhaseStopped); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if err := m.SetEndpoint(ctx, "gpu-1", "10.0.0.5"); err != nil {
		t.Fatalf("set endpoint failed: %v", err)
	}
	if _, err := m.Transition(ctx, "gpu-1", PhaseDestroying); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	st, err := m.Transition(ctx, "gpu-1", PhaseUnprovisioned)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if st.Endpoint != "" {
		t.Fatalf("endpoint should be cleared on unprovision, got %q", st.Endpoint)
	}
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemStore(), discardLogger())
	driveToRunning(t, m, "gpu-1")

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "gpu-1", NewHolderID(), time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful acquire, got %d", wins)
	}
}

func TestRecordBuild(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemStore(), discardLogger())
	driveToRunning(t, m, "gpu-1")

	if err := m.RecordBuild(ctx, "gpu-1"); err != nil {
		t.Fatalf("record build failed: %v", err)
	}
	if err := m.RecordBuild(ctx, "gpu-1"); err != nil {
		t.Fatalf("record build failed: %v", err)
	}
	st, _ := m.Get(ctx, "gpu-1")
	if st.BuildCount != 2 {
		t.Fatalf("expected build count 2, got %d", st.BuildCount)
	}
	if st.LastBuildAt == nil {
		t.Fatal("expected last build timestamp to be set")
	}
}
