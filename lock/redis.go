package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opspilot/opspilot/clock"
)

// releaseScript deletes the key only when the stored token matches, so a
// holder whose lease expired cannot free the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// Redis implements Manager over SET NX PX.
type Redis struct {
	client *redis.Client
	clock  clock.Clock
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, clk clock.Clock) *Redis {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Redis{client: client, clock: clk}
}

// Acquire takes the lock or returns ErrHeld immediately.
func (m *Redis) Acquire(ctx context.Context, name string, lease time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, Key(name), token, lease).Result()
	if err != nil {
		return Lock{}, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !ok {
		return Lock{}, fmt.Errorf("lock %q: %w", name, ErrHeld)
	}
	return Lock{Name: name, Token: token, ExpiresAt: m.clock.Now().Add(lease)}, nil
}

// Release frees the lock if the token still owns it.
func (m *Redis) Release(ctx context.Context, l Lock) error {
	n, err := releaseScript.Run(ctx, m.client, []string{Key(l.Name)}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %q: %w", l.Name, ErrNotHeld)
	}
	return nil
}
