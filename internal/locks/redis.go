// Package locks provides the distributed per-session lock that serializes
// flush processing across workers.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taskweave/taskweave/internal/config"
)

// keyPrefix scopes lock keys; one lock per session.
const keyPrefix = "session.message.insert."

// Connect builds a Redis client from config and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// SessionLock is a non-reentrant, non-fair mutex keyed by session id. The
// TTL bounds how long a crashed holder can wedge a session; there is no
// explicit renewal, so holders must finish within it.
type SessionLock struct {
	client *redis.Client
}

// NewSessionLock creates a session lock over the given Redis client.
func NewSessionLock(client *redis.Client) *SessionLock {
	return &SessionLock{client: client}
}

// Key returns the Redis key guarding the given session.
func Key(sessionID uuid.UUID) string {
	return keyPrefix + sessionID.String()
}

// TryAcquire attempts to take the session lock without blocking. It reports
// whether the lock was taken; false with a nil error means another holder
// has it.
func (l *SessionLock) TryAcquire(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, Key(sessionID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire session lock: %w", err)
	}
	return ok, nil
}

// Release drops the session lock. Releasing a lock that already expired is
// not an error.
func (l *SessionLock) Release(ctx context.Context, sessionID uuid.UUID) error {
	if err := l.client.Del(ctx, Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	return nil
}
