package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultLockPrefix = "transfer:lock:"

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds per-policy run locks in Redis so several service
// instances share one lock space.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultLockPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, policyID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+policyID, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lock: %w", err)
	}
	return ok, nil
}

// Unlock releases the lock only if owner still holds it.
func (l *RedisLocker) Unlock(ctx context.Context, policyID, owner string) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.prefix + policyID}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lock: %w", err)
	}
	return nil
}

// WithLocker returns a Store whose run locks come from locker instead of
// the underlying store.
func WithLocker(s Store, locker Locker) Store {
	return lockerOverride{Store: s, locker: locker}
}

type lockerOverride struct {
	Store
	locker Locker
}

func (o lockerOverride) TryLock(ctx context.Context, policyID, owner string, ttl time.Duration) (bool, error) {
	return o.locker.TryLock(ctx, policyID, owner, ttl)
}

func (o lockerOverride) Unlock(ctx context.Context, policyID, owner string) error {
	return o.locker.Unlock(ctx, policyID, owner)
}
