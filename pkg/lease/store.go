package lease

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Store persists one State record per builder name. Update must apply fn as an
// atomic read-modify-write with respect to concurrent callers, creating the
// record in the unprovisioned phase on first reference. When fn returns an
// error the record is left untouched and the error is returned verbatim.
type Store interface {
	Get(ctx context.Context, name string) (State, error)
	Update(ctx context.Context, name string, fn func(st *State) error) (State, error)
	Delete(ctx context.Context, name string) error
}

// Logger is the minimal logging surface used by this package. *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Manager implements the lease and phase-transition protocol on top of a
// Store's atomic Update primitive.
type Manager struct {
	store Store
	log   Logger
	now   func() time.Time
}

func NewManager(store Store, log Logger) *Manager {
	return &Manager{store: store, log: log, now: time.Now}
}

// NewHolderID returns a token identifying this process as a lease holder.
func NewHolderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Get returns the current state record for a builder.
func (m *Manager) Get(ctx context.Context, name string) (State, error) {
	return m.store.Get(ctx, name)
}

// Acquire claims the builder for holderID. It fails with NotReadyError unless
// the builder is running, and with BusyError while an unexpired lease exists.
// An expired lease is treated as abandoned and reclaimed.
func (m *Manager) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (Lease, error) {
	var granted Lease
	_, err := m.store.Update(ctx, name, func(st *State) error {
		now := m.now()
		switch {
		case st.Phase == PhaseRunning:
		case st.Phase == PhaseBusy && st.Lease != nil && st.Lease.Expired(now):
			m.log.Warn("reclaiming abandoned lease",
				"builder", name,
				"holder", st.Lease.HolderID,
				"age", st.Lease.Age(now).Round(time.Second).String())
		case st.Phase == PhaseBusy && st.Lease != nil:
			return &BusyError{Name: name, Lease: *st.Lease}
		default:
			return &NotReadyError{Name: name, Phase: st.Phase}
		}
		st.Phase = PhaseBusy
		st.Lease = &Lease{HolderID: holderID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
		granted = *st.Lease
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return granted, nil
}

// Release returns the builder to running. A release by anyone other than the
// current holder is a no-op: a slow caller must not clobber a reclaimed lease.
func (m *Manager) Release(ctx context.Context, name, holderID string) error {
	_, err := m.store.Update(ctx, name, func(st *State) error {
		if st.Phase != PhaseBusy || st.Lease == nil {
			return nil
		}
		if st.Lease.HolderID != holderID {
			m.log.Warn("skipping release of lease owned by another holder",
				"builder", name, "holder", st.Lease.HolderID, "caller", holderID)
			return nil
		}
		st.Phase = PhaseRunning
		st.Lease = nil
		return nil
	})
	return err
}

// Renew extends the lease TTL for a long-running build. Only the current
// holder may renew.
func (m *Manager) Renew(ctx context.Context, name, holderID string, ttl time.Duration) (Lease, error) {
	var renewed Lease
	_, err := m.store.Update(ctx, name, func(st *State) error {
		if st.Lease == nil || st.Lease.HolderID != holderID {
			return &NotHolderError{Name: name, HolderID: holderID}
		}
		st.Lease.ExpiresAt = m.now().Add(ttl)
		renewed = *st.Lease
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return renewed, nil
}

// Transition moves the builder along one edge of the lifecycle state machine,
// rejecting anything outside the declared edge set.
func (m *Manager) Transition(ctx context.Context, name string, to Phase) (State, error) {
	return m.store.Update(ctx, name, func(st *State) error {
		if !st.Phase.CanTransition(to) {
			return &TransitionError{Name: name, From: st.Phase, To: to}
		}
		st.Phase = to
		if to == PhaseUnprovisioned {
			st.Endpoint = ""
		}
		return nil
	})
}

// SetEndpoint records the resolved connection endpoint after provisioning.
func (m *Manager) SetEndpoint(ctx context.Context, name, endpoint string) error {
	_, err := m.store.Update(ctx, name, func(st *State) error {
		st.Endpoint = endpoint
		return nil
	})
	return err
}

// RecordBuild bumps the observability counters after a successful build. The
// counters only ever move forward.
func (m *Manager) RecordBuild(ctx context.Context, name string) error {
	_, err := m.store.Update(ctx, name, func(st *State) error {
		now := m.now()
		st.BuildCount++
		st.LastBuildAt = &now
		return nil
	})
	return err
}

// Forget removes the state record entirely. Used after a successful destroy.
func (m *Manager) Forget(ctx context.Context, name string) error {
	return m.store.Delete(ctx, name)
}
