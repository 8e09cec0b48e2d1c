// Package lock provides per-key mutual exclusion with a bounded wait and a
// bounded hold (lease).  Failure to acquire within the wait window surfaces
// as model.ErrLockTimeout, a concurrency conflict, and never blocks past it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// Options bounds one acquisition.
type Options struct {
	// Wait is how long Acquire keeps trying before giving up.
	Wait time.Duration
	// Lease is how long the lock is held before it lapses on its own, so a
	// crashed holder cannot wedge the key.
	Lease time.Duration
}

// DefaultOptions mirrors the wait/lease used by the reservation paths.
var DefaultOptions = Options{Wait: 3 * time.Second, Lease: 10 * time.Second}

// Lease is a held lock.  Release must be called exactly once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires a lock on a single key.
type Locker interface {
	Acquire(ctx context.Context, key string, opts Options) (Lease, error)
}

// Key helpers keep lock names in one place so every path contending on the
// same resource computes the same key.
func SeatKey(seatID uint64) string         { return fmt.Sprintf("lock:seat:%d", seatID) }
func ScheduleKey(scheduleID uint64) string { return fmt.Sprintf("lock:schedule:%d", scheduleID) }
func PointKey(userID uint64) string        { return fmt.Sprintf("lock:point:%d", userID) }

const RelayKey = "lock:outbox:relay"

// Run acquires every key, invokes fn, and releases all leases on every exit
// path including a panic in fn.  Keys are acquired in sorted order so two
// callers needing overlapping sets cannot deadlock each other.
func Run(ctx context.Context, l Locker, opts Options, keys []string, fn func(ctx context.Context) error) (err error) {
	ordered := append([]string(nil), keys...)
	sort.Strings(ordered)
	ordered = dedupe(ordered)

	leases := make([]Lease, 0, len(ordered))
	defer func() {
		// Release in reverse acquisition order with a fresh context: the
		// caller's context may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(leases) - 1; i >= 0; i-- {
			if relErr := leases[i].Release(relCtx); relErr != nil && err == nil && !errors.Is(relErr, errLeaseLost) {
				err = relErr
			}
		}
	}()

	for _, key := range ordered {
		lease, acqErr := l.Acquire(ctx, key, opts)
		if acqErr != nil {
			return acqErr
		}
		leases = append(leases, lease)
	}
	return fn(ctx)
}

// errLeaseLost is returned by Release when the lease lapsed and another
// holder took the key.  The guarded work already finished, so Run does not
// report it.
var errLeaseLost = errors.New("lock lease lost")

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}

func timeoutErr(key string) error {
	return fmt.Errorf("%s: %w", key, model.ErrLockTimeout)
}
