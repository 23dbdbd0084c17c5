package lease

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	waitBackoffBase = 1 * time.Second
	waitBackoffCap  = 30 * time.Second

	// DefaultMaxWait bounds how long a build blocks on a busy builder when the
	// caller does not pass --remote-wait. Contention is expected to be rare,
	// so the default is generous but always finite.
	DefaultMaxWait = 15 * time.Minute

	// DefaultTTL is the default lease lifetime: estimated worst-case image
	// build plus margin. The pipeline renews well before it expires.
	DefaultTTL = 30 * time.Minute
)

// EnsureFunc brings a builder to the running phase; used by the waiter for
// its single NotReady recovery attempt.
type EnsureFunc func(ctx context.Context, name string) error

// Waiter retries Acquire with jittered exponential backoff until it succeeds
// or maxWait elapses. There is no queue among waiters; the first successful
// acquire after a release wins.
type Waiter struct {
	leases *Manager
	log    Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewWaiter(leases *Manager, log Logger) *Waiter {
	return &Waiter{
		leases: leases,
		log:    log,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// AcquireWithWait blocks until the lease is granted. On NotReady it invokes
// ensure once and retries; a second NotReady fails fast. On Busy it backs off
// and retries until maxWait, then returns WaitTimeoutError.
func (w *Waiter) AcquireWithWait(ctx context.Context, name, holderID string, ttl, maxWait time.Duration, ensure EnsureFunc) (Lease, error) {
	start := w.now()
	delay := waitBackoffBase
	recovered := false

	for {
		granted, err := w.leases.Acquire(ctx, name, holderID, ttl)
		if err == nil {
			return granted, nil
		}

		var notReady *NotReadyError
		if errors.As(err, &notReady) {
			if recovered || ensure == nil {
				return Lease{}, err
			}
			recovered = true
			w.log.Info("builder not running, attempting to start it", "builder", name, "phase", notReady.Phase)
			if ensureErr := ensure(ctx, name); ensureErr != nil {
				return Lease{}, ensureErr
			}
			continue
		}

		var busy *BusyError
		if !errors.As(err, &busy) {
			return Lease{}, err
		}

		elapsed := w.now().Sub(start)
		if elapsed >= maxWait {
			heldBy := busy.Lease
			return Lease{}, &WaitTimeoutError{Name: name, Waited: elapsed, Lease: &heldBy}
		}
		w.log.Info("builder busy, retrying",
			"builder", name,
			"holder", busy.Lease.HolderID,
			"busy_since", busy.Lease.AcquiredAt.Format(time.RFC3339),
			"waited", elapsed.Round(time.Second).String(),
			"next_retry_in", delay.String())

		if err := w.sleep(ctx, jitter(delay)); err != nil {
			return Lease{}, err
		}
		delay *= 2
		if delay > waitBackoffCap {
			delay = waitBackoffCap
		}
	}
}

// jitter spreads retries over [d/2, d) so two waiters released at the same
// instant do not collide forever.
func jitter(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
