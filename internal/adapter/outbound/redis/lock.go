package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/uniedit/metering/internal/port/outbound"
)

const lockKeyPrefix = "lock:"

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// locker implements outbound.LockPort with SET NX leases.
type locker struct {
	client redis.UniversalClient
	prefix string
}

// NewLocker creates a new lease adapter. prefix namespaces every key.
func NewLocker(client redis.UniversalClient, prefix string) outbound.LockPort {
	return &locker{client: client, prefix: prefix}
}

func (l *locker) key(name string) string {
	return l.prefix + lockKeyPrefix + name
}

func (l *locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	fullKey := l.key(key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if n == 0 {
			return outbound.ErrLockNotHeld
		}
		return nil
	}
	return release, true, nil
}

// Compile-time check
var _ outbound.LockPort = (*locker)(nil)
