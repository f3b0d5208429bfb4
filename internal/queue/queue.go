// Package queue provides the message transport behind queued invocations:
// a Broker carrying task messages from clients to workers, and a Backend
// storing task results until the client fetches or forgets them.
//
// Implementations:
//   - Memory: in-process broker and backend for single-process deployments and tests
//   - Redis: LPUSH/BRPOP task lists with a delayed sorted set, and
//     SET+PUBLISH result storage with PSUBSCRIBE readiness notifications
//
// A client dials one Broker and one Backend per connection; they may point at
// the same server but never share a connection pool, so the backend pool can
// be disconnected on its own during teardown.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

var (
	// ErrNoMessage is returned by Consume when nothing arrived before the timeout.
	ErrNoMessage = errors.New("queue: no message available")
	// ErrNoResult is returned by Fetch when the result is not stored (yet).
	ErrNoResult = errors.New("queue: result not available")
	// ErrClosed is returned by operations on a closed broker or backend.
	ErrClosed = errors.New("queue: closed")
)

// DefaultPrefix namespaces every key the Redis implementations touch.
const DefaultPrefix = "entrypoint:"

// TaskStatus is the terminal state of a task.
type TaskStatus string

const (
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailure TaskStatus = "FAILURE"
)

// TaskMessage is the envelope a client publishes for one queued invocation.
type TaskMessage struct {
	ID              string            `json:"id"`
	Task            string            `json:"task"`
	Queue           string            `json:"queue"`
	Body            []byte            `json:"body,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`
	ContentEncoding string            `json:"content_encoding,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ETA             time.Time         `json:"eta,omitzero"`
	IgnoreResult    bool              `json:"ignore_result,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Due reports whether the message may be executed at now.
func (m *TaskMessage) Due(now time.Time) bool {
	return m.ETA.IsZero() || !m.ETA.After(now)
}

// Clone returns a deep copy of the message.
func (m *TaskMessage) Clone() *TaskMessage {
	c := *m
	c.Body = bytes.Clone(m.Body)
	c.Headers = maps.Clone(m.Headers)
	return &c
}

// TaskResult is what a worker stores once a task completed.
type TaskResult struct {
	ID          string          `json:"id"`
	Task        string          `json:"task"`
	Status      TaskStatus      `json:"status"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Clone returns a deep copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	c := *r
	c.Value = bytes.Clone(r.Value)
	return &c
}

// Broker carries task messages to workers.
type Broker interface {
	// Publish enqueues msg on msg.Queue. A message with a future ETA is held
	// back until it is due.
	Publish(ctx context.Context, msg *TaskMessage) error

	// Consume waits up to timeout for the next due message on queue.
	// Returns ErrNoMessage when the wait times out.
	Consume(ctx context.Context, queue string, timeout time.Duration) (*TaskMessage, error)

	// Ping verifies connectivity to the underlying server.
	Ping(ctx context.Context) error

	// Close releases all resources held by the broker.
	Close() error
}

// Backend stores task results.
type Backend interface {
	// Store saves res for ttl and signals its readiness to watchers.
	Store(ctx context.Context, res *TaskResult, ttl time.Duration) error

	// Fetch returns the stored result for id, or ErrNoResult.
	Fetch(ctx context.Context, id string) (*TaskResult, error)

	// Forget deletes the result for id. Forgetting an unknown id is not an error.
	Forget(ctx context.Context, id string) error

	// Watch streams the ids of results as they become ready. The channel is
	// closed when ctx is cancelled or the backend is disconnected.
	Watch(ctx context.Context) (<-chan string, error)

	// Disconnect releases the backend's pooled connections.
	Disconnect() error
}
