package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hookflow/hookflow/internal/metrics"
)

const (
	keyPrefix        = "hookflow:queue:"
	completedJobsKey = "hookflow:jobs:completed"
	failedJobsKey    = "hookflow:jobs:failed"

	completedRetention = 1000
	failedRetention    = 5000
)

// Broker is the enqueue side of the queue, the only part most of the
// engine needs.
type Broker interface {
	Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) error
}

// RedisQueue implements both sides of the queue contract on Redis. Ready
// messages live in a list (LPUSH/BRPOP); delayed messages wait in a sorted
// set scored by their deliver-at time and are promoted to the list once due.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps a connected client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func readyKey(queue string) string   { return keyPrefix + queue }
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }

// Enqueue delivers msg onto the named queue no earlier than now+delay.
// It returns only after Redis has durably accepted the message.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	msg.EnqueuedAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	if delay <= 0 {
		if err := q.client.LPush(ctx, readyKey(queue), data).Err(); err != nil {
			return fmt.Errorf("enqueue on %s: %w", queue, err)
		}
		return nil
	}
	deliverAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: deliverAt, Member: data}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed on %s: %w", queue, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next ready message. Due delayed
// messages are promoted first. Returns (nil, nil) when the timeout expires
// with nothing available.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Message, error) {
	if err := q.promoteDue(ctx, queue); err != nil {
		return nil, err
	}

	result, err := q.client.BRPop(ctx, timeout, readyKey(queue)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected BRPOP result format")
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("deserialize message: %w", err)
	}
	return &msg, nil
}

// promoteDue moves every delayed message whose deliver-at has passed onto
// the ready list. ZRem gates the move so concurrent pollers promote each
// member exactly once.
func (q *RedisQueue) promoteDue(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("scan delayed on %s: %w", queue, err)
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, delayedKey(queue), member).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, readyKey(queue), member).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Depth reports the ready-list length and refreshes the queue gauge.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := q.client.LLen(ctx, readyKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(n))
	return n, nil
}

// RecordResult appends a finished job to the completed or failed retention
// list. Retention is for observability only; trimming keeps the last 1000
// completed and 5000 failed jobs.
func (q *RedisQueue) RecordResult(ctx context.Context, msg *Message, jobErr error) {
	record := map[string]any{
		"message":    msg,
		"finishedAt": time.Now().UTC(),
	}
	key := completedJobsKey
	retention := int64(completedRetention)
	if jobErr != nil {
		record["error"] = jobErr.Error()
		key = failedJobsKey
		retention = failedRetention
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	pipe := q.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, retention-1)
	_, _ = pipe.Exec(ctx)
}

// Ping verifies broker connectivity for readiness checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
