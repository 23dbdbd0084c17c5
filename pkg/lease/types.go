package lease

import (
	"fmt"
	"time"
)

// Phase represents the lifecycle state of a remote builder.
type Phase string

const (
	PhaseUnprovisioned Phase = "UNPROVISIONED"
	PhaseProvisioning  Phase = "PROVISIONING"
	PhaseStopped       Phase = "STOPPED"
	PhaseStarting      Phase = "STARTING"
	PhaseRunning       Phase = "RUNNING"
	PhaseBusy          Phase = "BUSY"
	PhaseStopping      Phase = "STOPPING"
	PhaseDestroying    Phase = "DESTROYING"
)

// transitions enumerates the legal phase edges. Anything not listed here is
// rejected by Manager.Transition.
var transitions = map[Phase][]Phase{
	PhaseUnprovisioned: {PhaseProvisioning},
	PhaseProvisioning:  {PhaseStopped, PhaseUnprovisioned},
	PhaseStopped:       {PhaseStarting, PhaseDestroying},
	PhaseStarting:      {PhaseRunning, PhaseStopped},
	PhaseRunning:       {PhaseBusy, PhaseStopping, PhaseDestroying},
	PhaseBusy:          {PhaseRunning},
	PhaseStopping:      {PhaseStopped, PhaseRunning},
	// stopped is the best-effort revert target when a destroy command fails.
	PhaseDestroying: {PhaseUnprovisioned, PhaseStopped},
}

// CanTransition reports whether moving from p to next is a legal edge.
func (p Phase) CanTransition(next Phase) bool {
	for _, candidate := range transitions[p] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Lease is a time-bounded exclusive claim on a builder.
type Lease struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease TTL has passed at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Age returns how long the lease has been held at the given instant.
func (l Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.AcquiredAt)
}

// State is the persisted record for one named builder. The lease store is the
// arbiter of truth; no single process owns it.
type State struct {
	Name        string     `json:"name"`
	Phase       Phase      `json:"phase"`
	Lease       *Lease     `json:"lease,omitempty"`
	Endpoint    string     `json:"ip_or_host,omitempty"`
	LastBuildAt *time.Time `json:"last_build_at,omitempty"`
	BuildCount  int        `json:"build_count"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func newState(name string) *State {
	return &State{Name: name, Phase: PhaseUnprovisioned}
}

func (s *State) String() string {
	if s.Lease != nil {
		return fmt.Sprintf("%s (%s, held by %s)", s.Name, s.Phase, s.Lease.HolderID)
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Phase)
}
