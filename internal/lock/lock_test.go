package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb), mr
}

func lockers(t *testing.T) map[string]Locker {
	rl, _ := newRedisLocker(t)
	return map[string]Locker{
		"local": NewLocalLocker(),
		"redis": rl,
	}
}

func TestLocker_SecondAcquireTimesOut(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			opts := Options{Wait: 50 * time.Millisecond, Lease: time.Second}

			first, err := l.Acquire(ctx, "k", opts)
			if err != nil {
				t.Fatalf("expected first acquire to succeed, got %v", err)
			}
			_, err = l.Acquire(ctx, "k", opts)
			if !errors.Is(err, model.ErrLockTimeout) {
				t.Fatalf("expected ErrLockTimeout, got %v", err)
			}
			if !errors.Is(err, model.ErrConflict) {
				t.Fatalf("expected lock timeout to be a conflict, got %v", err)
			}
			if err := first.Release(ctx); err != nil {
				t.Fatalf("release: %v", err)
			}
			second, err := l.Acquire(ctx, "k", opts)
			if err != nil {
				t.Fatalf("expected acquire after release to succeed, got %v", err)
			}
			_ = second.Release(ctx)
		})
	}
}

func TestLocker_LeaseLapses(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		l := NewLocalLocker()
		ctx := context.Background()
		stale, err := l.Acquire(ctx, "k", Options{Wait: 10 * time.Millisecond, Lease: 20 * time.Millisecond})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		next, err := l.Acquire(ctx, "k", Options{Wait: time.Second, Lease: time.Second})
		if err != nil {
			t.Fatalf("expected acquire once lease lapsed, got %v", err)
		}
		if err := stale.Release(ctx); !errors.Is(err, errLeaseLost) {
			t.Fatalf("expected errLeaseLost for lapsed lease, got %v", err)
		}
		if err := next.Release(ctx); err != nil {
			t.Fatalf("release current holder: %v", err)
		}
	})

	t.Run("redis", func(t *testing.T) {
		l, mr := newRedisLocker(t)
		ctx := context.Background()
		stale, err := l.Acquire(ctx, "k", Options{Wait: 10 * time.Millisecond, Lease: time.Second})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		mr.FastForward(2 * time.Second)
		next, err := l.Acquire(ctx, "k", Options{Wait: 10 * time.Millisecond, Lease: time.Second})
		if err != nil {
			t.Fatalf("expected acquire once lease lapsed, got %v", err)
		}
		if err := stale.Release(ctx); !errors.Is(err, errLeaseLost) {
			t.Fatalf("expected errLeaseLost, got %v", err)
		}
		if !mr.Exists("k") {
			t.Fatalf("stale release must not delete the new holder's key")
		}
		_ = next.Release(ctx)
	})
}

func TestRun_MutualExclusion(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				inside  atomic.Int32
				maxSeen atomic.Int32
				wg      sync.WaitGroup
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := Run(context.Background(), l, Options{Wait: 5 * time.Second, Lease: 5 * time.Second},
						[]string{SeatKey(1), PointKey(2)},
						func(context.Context) error {
							n := inside.Add(1)
							if n > maxSeen.Load() {
								maxSeen.Store(n)
							}
							time.Sleep(2 * time.Millisecond)
							inside.Add(-1)
							return nil
						})
					if err != nil {
						t.Errorf("run: %v", err)
					}
				}()
			}
			wg.Wait()
			if maxSeen.Load() != 1 {
				t.Fatalf("expected at most one holder at a time, saw %d", maxSeen.Load())
			}
		})
	}
}

func TestRun_ReleasesOnError(t *testing.T) {
	l := NewLocalLocker()
	boom := errors.New("boom")
	opts := Options{Wait: 20 * time.Millisecond, Lease: time.Second}

	err := Run(context.Background(), l, opts, []string{"a", "b", "a"}, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	err = Run(context.Background(), l, opts, []string{"b", "a"}, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected locks to be free after failed run, got %v", err)
	}
}
