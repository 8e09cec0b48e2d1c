package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// lapsed lease never releases a lock someone else acquired since.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements Locker with SET NX PX on a shared Redis, which
// makes it safe across processes.
type RedisLocker struct {
	rdb   redis.UniversalClient
	retry time.Duration
}

// NewRedisLocker returns a locker on rdb.  Acquisition polls every 20ms
// until the wait window closes.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, retry: 20 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, opts Options) (Lease, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(opts.Wait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, opts.Lease).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return &redisLease{rdb: l.rdb, key: key, token: token}, nil
		}
		if !time.Now().Add(l.retry).Before(deadline) {
			return nil, timeoutErr(key)
		}
		t := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{r.key}, r.token).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock %s: %w", r.key, err)
	}
	if n == 0 {
		return errLeaseLost
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
