package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LocalLocker implements Locker inside one process.  It is used when Redis
// is not configured (single-node deployments, tests).  Leases lapse after
// Options.Lease just like the Redis locker.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.keys[key] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, opts Options) (Lease, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	default:
		wait := time.NewTimer(opts.Wait)
		defer wait.Stop()
		select {
		case ch <- struct{}{}:
		case <-wait.C:
			return nil, timeoutErr(key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	lease := &localLease{ch: ch}
	if opts.Lease > 0 {
		lease.timer = time.AfterFunc(opts.Lease, func() { lease.free() })
	}
	return lease, nil
}

type localLease struct {
	ch       chan struct{}
	released atomic.Bool
	timer    *time.Timer
}

// free empties the slot once; it reports false when the lease had already
// been freed by expiry or an earlier Release.
func (l *localLease) free() bool {
	if !l.released.CompareAndSwap(false, true) {
		return false
	}
	<-l.ch
	return true
}

func (l *localLease) Release(context.Context) error {
	if l.timer != nil {
		l.timer.Stop()
	}
	if !l.free() {
		return errLeaseLost
	}
	return nil
}
