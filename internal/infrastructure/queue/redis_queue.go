package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"
)

const (
	highKey     = "sync:jobs:high"
	defaultKey  = "sync:jobs:default"
	deferredKey = "sync:jobs:deferred"

	// popTimeout bounds each blocking pop so Dequeue can notice ctx
	// cancellation and promote due deferred jobs between waits.
	popTimeout = 2 * time.Second
)

// RedisQueue is the sync job queue on Redis lists: one list per priority
// tier, plus a sorted set of deferred jobs scored by their ready time.
// Delivery is at-least-once; consumers rely on the idempotent upsert and the
// per-integration sync guard, not on the queue, for exactly-once effect.
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisQueue creates a queue on the given client.
func NewRedisQueue(client *redis.Client, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{client: client, logger: logger}
}

var _ ports.SyncQueue = (*RedisQueue)(nil)

func listFor(p domain.JobPriority) string {
	if p == domain.PriorityHigh {
		return highKey
	}
	return defaultKey
}

// Enqueue pushes a job onto its priority tier.
func (q *RedisQueue) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal sync job: %w", err)
	}
	if err := q.client.LPush(ctx, listFor(job.Priority), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue sync job: %w", err)
	}
	return nil
}

// EnqueueDelayed parks a job until now+delay. Deferred jobs are promoted to
// their priority tier by Dequeue once due.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job *domain.SyncJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal sync job: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, deferredKey, redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		return fmt.Errorf("failed to defer sync job: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (*domain.SyncJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn().Err(err).Msg("Failed to promote deferred sync jobs")
		}

		res, err := q.client.BRPop(ctx, popTimeout, highKey, defaultKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop sync job: %w", err)
		}
		// BRPop returns [key, value].
		var job domain.SyncJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error().Err(err).Str("payload", res[1]).Msg("Dropping undecodable sync job")
			continue
		}
		return &job, nil
	}
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, deferredKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, payload := range due {
		removed, err := q.client.ZRem(ctx, deferredKey, payload).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}
		var job domain.SyncJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Error().Err(err).Msg("Dropping undecodable deferred job")
			continue
		}
		if err := q.client.LPush(ctx, listFor(job.Priority), payload).Err(); err != nil {
			return err
		}
	}
	return nil
}
