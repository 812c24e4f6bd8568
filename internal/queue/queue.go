// Package queue is the Redis Streams job queue between the API server
// and the ingest workers. Delivery is at-least-once: messages are acked
// only after the handler returns cleanly, and stalled deliveries are
// reclaimed from dead consumers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/minirag/minirag/internal/observability"
)

// JobIngestSource names the source ingestion job.
const JobIngestSource = "ingest_source"

const (
	readBlock    = 5 * time.Second
	readCount    = 10
	reclaimEvery = time.Minute
	reclaimIdle  = 5 * time.Minute
)

// Job is one unit of background work, JSON-encoded on the stream.
type Job struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TenantID   string    `json:"tenant_id"`
	SourceID   string    `json:"source_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewIngestJob builds an ingest job for one source.
func NewIngestJob(tenantID, sourceID uuid.UUID) Job {
	return Job{
		ID:         uuid.NewString(),
		Name:       JobIngestSource,
		TenantID:   tenantID.String(),
		SourceID:   sourceID.String(),
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handler processes one job. A returned error leaves the message pending
// for redelivery, so handlers must be idempotent per source.
type Handler func(ctx context.Context, job Job) error

// Queue produces and consumes jobs on one Redis stream.
type Queue struct {
	client redis.UniversalClient
	stream string
	group  string
	logger observability.Logger
}

// New creates a queue over an existing Redis connection.
func New(client redis.UniversalClient, stream, group string, logger observability.Logger) *Queue {
	return &Queue{
		client: client,
		stream: stream,
		group:  group,
		logger: logger.WithPrefix("queue"),
	}
}

// Enqueue appends a job to the stream and returns its message ID.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"job": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("Enqueued job", map[string]interface{}{
		"job":       job.Name,
		"source_id": job.SourceID,
		"stream_id": id,
	})
	return id, nil
}

// EnsureGroup creates the consumer group from the start of the stream,
// creating the stream as well if needed. Racing creators are fine.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Consume reads jobs for one named consumer until ctx is cancelled.
// Jobs dispatch by name to handlers; unknown or undecodable messages are
// acked and dropped so they cannot wedge the stream. Periodically
// reclaims messages a dead consumer left pending.
func (q *Queue) Consume(ctx context.Context, consumer string, handlers map[string]Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	nextReclaim := time.Now().Add(reclaimEvery)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextReclaim) {
			q.reclaim(ctx, consumer, handlers)
			nextReclaim = time.Now().Add(reclaimEvery)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			q.logger.Error("Failed to read from stream", map[string]interface{}{
				"stream": q.stream,
				"error":  err.Error(),
			})
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.dispatch(ctx, msg, handlers)
			}
		}
	}
}

// reclaim re-dispatches messages that have been pending longer than the
// idle threshold, typically after a worker crash.
func (q *Queue) reclaim(ctx context.Context, consumer string, handlers map[string]Handler) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  reclaimIdle,
		Start:    "0",
		Count:    readCount,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			q.logger.Error("Failed to reclaim pending jobs", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	if len(messages) > 0 {
		q.logger.Warn("Reclaimed stalled jobs", map[string]interface{}{
			"count": len(messages),
		})
	}
	for _, msg := range messages {
		q.dispatch(ctx, msg, handlers)
	}
}

func (q *Queue) dispatch(ctx context.Context, msg redis.XMessage, handlers map[string]Handler) {
	job, err := decodeJob(msg)
	if err != nil {
		q.logger.Error("Dropping undecodable job", map[string]interface{}{
			"stream_id": msg.ID,
			"error":     err.Error(),
		})
		q.ack(ctx, msg.ID)
		return
	}

	handler, ok := handlers[job.Name]
	if !ok {
		q.logger.Error("Dropping job with no handler", map[string]interface{}{
			"job":       job.Name,
			"stream_id": msg.ID,
		})
		q.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, job); err != nil {
		q.logger.Error("Job failed, leaving pending", map[string]interface{}{
			"job":       job.Name,
			"source_id": job.SourceID,
			"stream_id": msg.ID,
			"error":     err.Error(),
		})
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.logger.Error("Failed to ack message", map[string]interface{}{
			"stream_id": id,
			"error":     err.Error(),
		})
	}
}

func decodeJob(msg redis.XMessage) (Job, error) {
	var job Job
	raw, ok := msg.Values["job"]
	if !ok {
		return job, fmt.Errorf("message %s has no job field", msg.ID)
	}
	text, ok := raw.(string)
	if !ok {
		return job, fmt.Errorf("message %s job field is %T", msg.ID, raw)
	}
	if err := json.Unmarshal([]byte(text), &job); err != nil {
		return job, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// Depth returns the stream length, for health reporting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
