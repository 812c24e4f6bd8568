package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed worker can hold a source
// lock before another run may proceed.
const DefaultLockTTL = 30 * time.Minute

// SourceLock serializes ingest runs per source with a Redis SETNX
// advisory lock. The TTL is the only recovery path after a crash, so it
// must exceed the longest plausible ingest run.
type SourceLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSourceLock creates a lock manager. A non-positive ttl falls back to
// DefaultLockTTL.
func NewSourceLock(client redis.UniversalClient, ttl time.Duration) *SourceLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &SourceLock{client: client, ttl: ttl}
}

func lockKey(sourceID string) string {
	return "minirag:ingest-lock:" + sourceID
}

// Acquire takes the lock for one source. Returns false when another run
// already holds it.
func (l *SourceLock) Acquire(ctx context.Context, sourceID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(sourceID), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire source lock: %w", err)
	}
	return ok, nil
}

// Release frees the lock. Releasing a lock that already expired is not
// an error.
func (l *SourceLock) Release(ctx context.Context, sourceID string) error {
	if err := l.client.Del(ctx, lockKey(sourceID)).Err(); err != nil {
		return fmt.Errorf("failed to release source lock: %w", err)
	}
	return nil
}
