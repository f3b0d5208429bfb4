package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores results as JSON strings with a TTL and announces each
// one with a PUBLISH, so waiting clients wake up without polling.
type RedisBackend struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBackend creates a result backend over client. An empty prefix
// selects DefaultPrefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// DialRedisBackend opens a backend from a redis:// or rediss:// URL.
func DialRedisBackend(url, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse result backend url: %w", err)
	}
	return NewRedisBackend(redis.NewClient(opts), prefix), nil
}

// Client returns the underlying Redis client for direct access
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

func (b *RedisBackend) resultKey(id string) string { return b.prefix + "result:" + id }
func (b *RedisBackend) readyChannel(id string) string {
	return b.prefix + "result-ready:" + id
}

func (b *RedisBackend) Store(ctx context.Context, res *TaskResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.resultKey(res.ID), data, ttl)
	pipe.Publish(ctx, b.readyChannel(res.ID), res.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Fetch(ctx context.Context, id string) (*TaskResult, error) {
	data, err := b.client.Get(ctx, b.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, err
	}
	var res TaskResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode task result: %w", err)
	}
	return &res, nil
}

func (b *RedisBackend) Forget(ctx context.Context, id string) error {
	return b.client.Del(ctx, b.resultKey(id)).Err()
}

// Watch subscribes to every result-ready channel under the prefix. A
// background goroutine forwards the announced ids until ctx is cancelled or
// the backend is disconnected.
func (b *RedisBackend) Watch(ctx context.Context) (<-chan string, error) {
	pubsub := b.client.PSubscribe(ctx, b.readyChannel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to result notifications: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	out := make(chan string, 64)
	channelPrefix := b.readyChannel("")
	go func() {
		defer close(out)
		defer b.removeSub(pubsub)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				id := msg.Payload
				if id == "" {
					id = strings.TrimPrefix(msg.Channel, channelPrefix)
				}
				select {
				case out <- id:
				default:
					// Slow watcher: it falls back to polling Fetch
				}
			}
		}
	}()
	return out, nil
}

// Disconnect closes the subscriptions and the client's connection pool.
func (b *RedisBackend) Disconnect() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Close())
	}
	if err := b.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *RedisBackend) removeSub(target *redis.PubSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			target.Close()
			break
		}
	}
}
