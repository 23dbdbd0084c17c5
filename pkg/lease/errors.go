package lease

import (
	"fmt"
	"time"
)

// NotReadyError indicates the builder is not in the running phase, so no lease
// can be taken. Callers get one automatic recovery attempt via the waiter.
type NotReadyError struct {
	Name  string
	Phase Phase
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("builder %q is not running (phase %s)", e.Name, e.Phase)
}

// BusyError indicates another caller currently holds the lease.
type BusyError struct {
	Name  string
	Lease Lease
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("builder %q is busy (held by %s since %s)",
		e.Name, e.Lease.HolderID, e.Lease.AcquiredAt.Format(time.RFC3339))
}

// WaitTimeoutError is returned by AcquireWithWait once the configured maximum
// wait elapses while the builder remains busy.
type WaitTimeoutError struct {
	Name   string
	Waited time.Duration
	Lease  *Lease
}

func (e *WaitTimeoutError) Error() string {
	if e.Lease != nil {
		return fmt.Sprintf("timed out after %s waiting for builder %q (held by %s since %s)",
			e.Waited.Round(time.Second), e.Name, e.Lease.HolderID, e.Lease.AcquiredAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("timed out after %s waiting for builder %q", e.Waited.Round(time.Second), e.Name)
}

// TransitionError reports an attempted phase change that is not a legal edge.
type TransitionError struct {
	Name string
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("builder %q cannot transition from %s to %s", e.Name, e.From, e.To)
}

// NotHolderError reports a renew attempt by a caller that no longer owns the
// lease, typically after a reclaim.
type NotHolderError struct {
	Name     string
	HolderID string
}

func (e *NotHolderError) Error() string {
	return fmt.Sprintf("builder %q lease is not held by %s", e.Name, e.HolderID)
}
