package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld is returned by WithLock when another replica owns the key.
	ErrLockHeld = errors.New("lock_held")

	errLockArgs = errors.New("lock_invalid_arguments")
)

// Both scripts act only while ARGV[1] still owns the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker guards scheduler jobs across replicas.
type Locker struct {
	client *redis.Client
}

// NewLocker returns nil for a nil client.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// TryLock claims key for ttl and returns the owner token.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || key == "" || ttl <= 0 {
		return "", false, errLockArgs
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || key == "" || token == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *Locker) extend(ctx context.Context, key, token string, ttl time.Duration) error {
	return extendScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Err()
}

// WithLock runs fn while holding key, renewing it every ttl/2 so a long batch
// keeps ownership. A nil Locker runs fn directly: single-replica mode.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}

	renewCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(ttl/2, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				_ = l.extend(renewCtx, key, token, ttl)
			}
		}
	}()
	defer func() {
		stop()
		<-done
		_ = l.Release(context.WithoutCancel(ctx), key, token)
	}()

	return fn(ctx)
}
