package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script moving every due delayed message onto its ready list in one
// round trip, so two workers never promote the same message twice.
var promoteDelayedScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, m in ipairs(due) do
    redis.call('ZREM', KEYS[1], m)
    redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// RedisBroker is a Redis-backed broker that uses LPUSH/BRPOP (push-pull
// pattern) for ready messages and a sorted set scored by ETA for delayed ones.
//
// BRPOP delivers each message to exactly one worker, and unconsumed messages
// persist in Redis while no worker is listening.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker creates a broker over client. An empty prefix selects
// DefaultPrefix.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBroker{client: client, prefix: prefix}
}

// DialRedisBroker opens a broker from a redis:// or rediss:// URL.
func DialRedisBroker(url, prefix string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return NewRedisBroker(redis.NewClient(opts), prefix), nil
}

func (b *RedisBroker) readyKey(queue string) string   { return b.prefix + "queue:" + queue }
func (b *RedisBroker) delayedKey(queue string) string { return b.prefix + "delayed:" + queue }

func (b *RedisBroker) Publish(ctx context.Context, msg *TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode task message: %w", err)
	}
	if !msg.Due(time.Now()) {
		return b.client.ZAdd(ctx, b.delayedKey(msg.Queue), redis.Z{
			Score:  float64(msg.ETA.UnixMilli()),
			Member: data,
		}).Err()
	}
	return b.client.LPush(ctx, b.readyKey(msg.Queue), data).Err()
}

func (b *RedisBroker) Consume(ctx context.Context, queue string, timeout time.Duration) (*TaskMessage, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	keys := []string{b.delayedKey(queue), b.readyKey(queue)}
	if err := promoteDelayedScript.Run(ctx, b.client, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed tasks: %w", err)
	}

	result, err := b.client.BRPop(ctx, timeout, b.readyKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, ErrNoMessage
	}

	var msg TaskMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	return &msg, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
