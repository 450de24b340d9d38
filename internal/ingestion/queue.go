package ingestion

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/pulsestream/backend/internal/core"
)

// QueueKey is the Redis list the downstream processor consumes from.
const QueueKey = "pulse:events:queue"

// Enqueuer hands committed events to the asynchronous processing pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev *core.Event) error
	Depth(ctx context.Context) (int64, error)
}

// queueMessage is the handoff envelope. The processor reloads the full row
// by id, so the envelope stays small.
type queueMessage struct {
	EventID   string `json:"event_id"`
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity"`
}

// RedisQueue implements Enqueuer over a Redis list.
type RedisQueue struct {
	rdb redis.Cmdable
}

// NewRedisQueue builds a queue producer.
func NewRedisQueue(rdb redis.Cmdable) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

// Enqueue pushes the handoff envelope. Callers decide what a failure
// means; this layer only reports it.
func (q *RedisQueue) Enqueue(ctx context.Context, ev *core.Event) error {
	msg, err := json.Marshal(queueMessage{
		EventID:   ev.ID,
		TenantID:  ev.TenantID,
		EventType: string(ev.Type),
		Severity:  string(ev.Severity),
	})
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, QueueKey, msg).Err()
}

// Depth reports the number of events awaiting processing.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}
