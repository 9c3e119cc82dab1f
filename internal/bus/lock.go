package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another instance is mid-swap.
var ErrLockHeld = errors.New("policy swap already in progress")

// releaseScript deletes the lock only when the caller still owns it, so a
// slow holder cannot release a lock that already expired and was re-acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// SwapLock is the distributed lock guarding policy hot-swap. At most one
// change is in flight across all instances.
type SwapLock struct {
	bus   *Bus
	token string
	ttl   time.Duration
}

// NewSwapLock prepares a lock handle with the given expiry. The TTL bounds
// how long a crashed holder can block other instances.
func NewSwapLock(b *Bus, ttl time.Duration) *SwapLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SwapLock{bus: b, token: uuid.NewString(), ttl: ttl}
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *SwapLock) Acquire(ctx context.Context) error {
	ok, err := l.bus.client.SetNX(ctx, policyLockKey, l.token, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release gives the lock back. Releasing a lock that expired is a no-op.
func (l *SwapLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.bus.client, []string{policyLockKey}, l.token).Err()
}
