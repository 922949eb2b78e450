package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultBlockTimeout = 5 * time.Second

// RedisClient is the subset of go-redis used by RedisTransport.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// RedisTransport stores each queue in a redis list; producers LPUSH and workers BRPOP.
type RedisTransport struct {
	client       RedisClient
	prefix       string
	blockTimeout time.Duration
}

// NewRedisTransport builds a transport with keys under prefix.
func NewRedisTransport(client RedisClient, prefix string, blockTimeout time.Duration) *RedisTransport {
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}
	return &RedisTransport{client: client, prefix: prefix, blockTimeout: blockTimeout}
}

func (t *RedisTransport) key(queue string) string {
	return fmt.Sprintf("%s:jobs:%s", t.prefix, queue)
}

// Enqueue pushes payload onto the queue.
func (t *RedisTransport) Enqueue(ctx context.Context, queue string, payload []byte) error {
	return t.client.LPush(ctx, t.key(queue), payload).Err()
}

// Receive pops the oldest job, polling in blockTimeout slices until ctx is done.
func (t *RedisTransport) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		result, err := t.client.BRPop(ctx, t.blockTimeout, t.key(queue)).Result()
		switch {
		case err == nil:
			if len(result) != 2 {
				return nil, fmt.Errorf("jobs: unexpected BRPOP reply of %d items", len(result))
			}
			return &Delivery{Queue: queue, Payload: []byte(result[1])}, nil
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
}

// Close is a no-op; the redis client is owned by the caller.
func (t *RedisTransport) Close() error {
	return nil
}
