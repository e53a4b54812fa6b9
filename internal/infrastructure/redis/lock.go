package redis

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// Lua script for safe lock release (only owner can release)
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// PlaceholderLock is a short-lived SET NX PX marker that serializes
// submissions of the same merchant order. It expires on its own if the
// holder dies.
type PlaceholderLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPlaceholderLock(client *redis.Client, prefix string, ttl time.Duration) *PlaceholderLock {
	return &PlaceholderLock{client: client, prefix: prefix, ttl: ttl}
}

func (l *PlaceholderLock) key(name string) string {
	return l.prefix + "lock:" + name
}

// Acquire sets the placeholder if absent. ok is false when another holder
// owns it; token must be passed to Release.
func (l *PlaceholderLock) Acquire(ctx context.Context, name string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key(name), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the placeholder only if token still owns it.
func (l *PlaceholderLock) Release(ctx context.Context, name, token string) error {
	result, err := releaseLockScript.Run(ctx, l.client, []string{l.key(name)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}
