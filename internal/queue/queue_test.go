package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/observability"
)

const (
	testStream = "minirag:jobs"
	testGroup  = "ingest-workers"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, testStream, testGroup, observability.NewNoopLogger())
	return q, mr, client
}

func TestQueue_EnqueueRoundTrip(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	job := NewIngestJob(uuid.New(), uuid.New())
	id, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	msgs, err := client.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var decoded Job
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["job"].(string)), &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, JobIngestSource, decoded.Name)
	assert.Equal(t, job.TenantID, decoded.TenantID)
	assert.Equal(t, job.SourceID, decoded.SourceID)
	assert.False(t, decoded.EnqueuedAt.IsZero())
}

func TestQueue_EnsureGroupIsIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.EnsureGroup(ctx))
}

// readOne delivers a single pending message to the given consumer.
func readOne(t *testing.T, client *redis.Client, consumer string) redis.XMessage {
	t.Helper()

	streams, err := client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: consumer,
		Streams:  []string{testStream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)
	return streams[0].Messages[0]
}

func pendingCount(t *testing.T, client *redis.Client) int64 {
	t.Helper()

	pending, err := client.XPending(context.Background(), testStream, testGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestQueue_DispatchAcksOnSuccess(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	job := NewIngestJob(uuid.New(), uuid.New())
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	msg := readOne(t, client, "worker-1")

	var got Job
	q.dispatch(ctx, msg, map[string]Handler{
		JobIngestSource: func(_ context.Context, j Job) error {
			got = j
			return nil
		},
	})

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestQueue_DispatchLeavesFailedJobPending(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	_, err := q.Enqueue(ctx, NewIngestJob(uuid.New(), uuid.New()))
	require.NoError(t, err)

	msg := readOne(t, client, "worker-1")

	q.dispatch(ctx, msg, map[string]Handler{
		JobIngestSource: func(context.Context, Job) error {
			return assert.AnError
		},
	})

	assert.Equal(t, int64(1), pendingCount(t, client))
}

func TestQueue_DispatchDropsJobWithNoHandler(t *testing.T) {
	q, _, client := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	_, err := q.Enqueue(ctx, Job{ID: uuid.NewString(), Name: "unknown_job"})
	require.NoError(t, err)

	msg := readOne(t, client, "worker-1")
	q.dispatch(ctx, msg, map[string]Handler{})

	assert.Equal(t, int64(0), pendingCount(t, client))
}

func TestDecodeJob_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]interface{}
	}{
		{"missing job field", map[string]interface{}{"other": "x"}},
		{"non-string job field", map[string]interface{}{"job": 42}},
		{"invalid json", map[string]interface{}{"job": "{not json"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeJob(redis.XMessage{ID: "1-0", Values: tt.values})
			assert.Error(t, err)
		})
	}
}

func TestSourceLock(t *testing.T) {
	_, mr, client := newTestQueue(t)
	ctx := context.Background()

	lock := NewSourceLock(client, 0)
	sourceID := uuid.NewString()

	ok, err := lock.Acquire(ctx, sourceID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lock.Acquire(ctx, sourceID)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire should fail while lock is held")

	assert.Equal(t, DefaultLockTTL, mr.TTL(lockKey(sourceID)))

	require.NoError(t, lock.Release(ctx, sourceID))

	ok, err = lock.Acquire(ctx, sourceID)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be free after release")
}

func TestSourceLock_ExpiresAfterTTL(t *testing.T) {
	_, mr, client := newTestQueue(t)
	ctx := context.Background()

	lock := NewSourceLock(client, DefaultLockTTL)
	sourceID := uuid.NewString()

	ok, err := lock.Acquire(ctx, sourceID)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(DefaultLockTTL + time.Second)

	ok, err = lock.Acquire(ctx, sourceID)
	require.NoError(t, err)
	assert.True(t, ok, "lock should be reacquirable after TTL expiry")
}
