// Package locks provides a Redis-backed execution lock so that only one
// process advances a given saga instance at a time.
package locks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a crashed holder keeps an instance locked.
const DefaultTTL = 30 * time.Second

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLockLost is returned when a release finds the key owned by someone else.
var ErrLockLost = errors.New("lock no longer held")

// RedisLocker acquires keys with SET NX PX and releases them with a
// compare-and-delete script. While a lock is held its TTL is refreshed at a
// third of the TTL.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	token  func() string
	logf   func(format string, args ...any)
}

// NewRedisLocker constructs a locker. A non-positive ttl uses DefaultTTL.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logf func(format string, args ...any)) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &RedisLocker{client: client, ttl: ttl, token: uuid.NewString, logf: logf}
}

// TryLock attempts to take key without waiting. The returned context is
// derived from ctx and is cancelled with ErrLockLost if the key stops being
// ours before release: another owner took it, or refreshes failed for a
// whole TTL.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (context.Context, func(context.Context) error, bool, error) {
	token := l.token()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, false, err
	}
	if !ok {
		return nil, nil, false, nil
	}

	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, cancel, stop, done)

	release := func(ctx context.Context) error {
		close(stop)
		<-done
		defer cancel(nil)
		n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return held, release, true, nil
}

func (l *RedisLocker) keepAlive(key, token string, lost context.CancelCauseFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	refreshed := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logf("refresh lock %s: %v", key, err)
				if time.Since(refreshed) >= l.ttl {
					lost(ErrLockLost)
					return
				}
				continue
			}
			if n == 0 {
				l.logf("lock %s lost before release", key)
				lost(ErrLockLost)
				return
			}
			refreshed = time.Now()
		}
	}
}
