package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oriys/entrypoint/internal/naming"
	"github.com/oriys/entrypoint/internal/taskqueue"
)

// ErrNotAcquired is returned when a queued call runs outside an acquisition
// of the client's task queue connection.
var ErrNotAcquired = errors.New("transport: task queue connection not acquired")

// Queued publishes calls as tasks named {worker}.{key}.{target}.{method}.
type Queued struct {
	Worker        string        // worker namespace, first part of the task name
	Key           string        // routing namespace; also the queue name
	Countdown     time.Duration // delay before the task may execute
	IgnoreResult  bool          // workers store nothing and no handle is returned
	Async         bool          // return the handle instead of waiting for the value
	ResultTimeout time.Duration // bound on the wait in synchronous mode
	Codec         Codec
}

// QueuedResult is the outcome of a queued dispatch: the tracked handle in
// async mode, a private copy of the value in sync mode, or neither when the
// result is ignored.
type QueuedResult struct {
	Async *taskqueue.AsyncResult
	Value json.RawMessage
}

// TaskName returns the task name a call is published under.
func (q *Queued) TaskName(call Call) string {
	return naming.TaskName(q.Worker, q.Key, call.Target, call.Method)
}

// QueueName returns the queue the tasks are published on.
func (q *Queued) QueueName() string {
	if q.Key == "" {
		return taskqueue.DefaultQueue
	}
	return q.Key
}

// Dispatch publishes the call through the guard's live connection. Unless
// results are ignored, the handle is tracked on the guard so teardown
// forgets it.
func (q *Queued) Dispatch(ctx context.Context, g *taskqueue.Guard, call Call) (QueuedResult, error) {
	app := g.App()
	if app == nil {
		return QueuedResult{}, ErrNotAcquired
	}
	body, contentHeader, err := q.Codec.encode(call.Args)
	if err != nil {
		return QueuedResult{}, err
	}

	task := app.Task(q.TaskName(call), taskqueue.TaskOptions{
		Queue:        q.QueueName(),
		IgnoreResult: q.IgnoreResult,
	})
	r, err := task.Apply(ctx, taskqueue.ApplyOptions{
		Body:            body,
		ContentType:     contentHeader.Get("Content-Type"),
		ContentEncoding: contentHeader.Get("Content-Encoding"),
		Headers:         flatten(call.Header),
		Countdown:       q.Countdown,
	})
	if err != nil {
		return QueuedResult{}, err
	}
	if q.IgnoreResult {
		// Never fetch or forget an ignored result: nothing is stored and
		// the lookup could force a reconnect.
		return QueuedResult{}, nil
	}
	g.Track(r)
	if q.Async {
		return QueuedResult{Async: r}, nil
	}
	value, err := r.Get(ctx, q.ResultTimeout)
	if err != nil {
		return QueuedResult{}, err
	}
	return QueuedResult{Value: value}, nil
}

func flatten(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
