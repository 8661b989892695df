// Package redisqueue is the production Queue port implementation: a
// Redis list used as a FIFO. There is no pending-ack store: Get's pop
// removes the message, Ack does nothing, and Reject without requeue
// drops it.
package redisqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/terrpan/runnerfleet/internal/queue"
)

// Config configures a Queue.
type Config struct {
	// URL is a redis:// connection string.
	URL string
	// Key is the list key jobs are pushed to.
	Key string
}

// Queue is a Redis-list-backed queue.Port.
type Queue struct {
	client *redis.Client
	key    string
}

// New connects to Redis per cfg and returns a ready Queue.
func New(cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Queue{client: redis.NewClient(opts), key: cfg.Key}, nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Get performs a blocking left-pop with the given timeout. A timeout
// expiring with nothing available is reported as (nil, nil), matching
// queue.Port's contract.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res[0] is the key name, res[1] the payload.
	payload := []byte(res[1])
	return queue.NewMessage(payload, uuid.NewString()), nil
}

// Ack is a no-op beyond the pop itself: BLPop already removed the
// message from the list, so successful processing requires nothing
// further.
func (q *Queue) Ack(_ context.Context, _ *queue.Message) error {
	return nil
}

// Reject re-pushes the payload onto the head of the list when requeue
// is set; otherwise the message is simply dropped (it was already
// popped by Get).
func (q *Queue) Reject(ctx context.Context, msg *queue.Message, requeue bool) error {
	if !requeue {
		return nil
	}
	return q.client.LPush(ctx, q.key, msg.Payload).Err()
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
