package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/entrypoint/internal/queue"
)

// Task is a remotely executed task resolved by name on an App.
type Task struct {
	app  *App
	name string
	opts TaskOptions
}

// Name returns the dotted task name.
func (t *Task) Name() string { return t.name }

// IgnoreResult reports whether workers are told not to store the result.
func (t *Task) IgnoreResult() bool { return t.opts.IgnoreResult }

// ApplyOptions carries one dispatch of a task.
type ApplyOptions struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	Headers         map[string]string
	Countdown       time.Duration
}

// Apply publishes the task and returns a handle on its result. When the task
// ignores results the handle can still identify the task but nothing will
// ever be stored for it.
func (t *Task) Apply(ctx context.Context, opts ApplyOptions) (*AsyncResult, error) {
	now := time.Now().UTC()
	msg := &queue.TaskMessage{
		ID:              uuid.NewString(),
		Task:            t.name,
		Queue:           t.opts.Queue,
		Body:            bytes.Clone(opts.Body),
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		Headers:         maps.Clone(opts.Headers),
		IgnoreResult:    t.opts.IgnoreResult,
		CreatedAt:       now,
	}
	if opts.Countdown > 0 {
		msg.ETA = now.Add(opts.Countdown)
	}
	if err := t.app.publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("publish task %s: %w", t.name, err)
	}
	return &AsyncResult{id: msg.ID, task: t.name, app: t.app}, nil
}

// TaskError is the failure a worker reported for a task.
type TaskError struct {
	ID      string
	Task    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s) failed: %s", e.Task, e.ID, e.Message)
}

func (e *TaskError) Is(target error) bool { return target == ErrTaskFailed }

// AsyncResult tracks the result of one dispatched task.
type AsyncResult struct {
	id   string
	task string
	app  *App
}

// ID returns the task id.
func (r *AsyncResult) ID() string { return r.id }

// Task returns the task name.
func (r *AsyncResult) Task() string { return r.task }

func (r *AsyncResult) String() string { return r.task + "[" + r.id + "]" }

// Ready reports whether the result is stored.
func (r *AsyncResult) Ready(ctx context.Context) (bool, error) {
	_, err := r.app.backend.Fetch(ctx, r.id)
	if errors.Is(err, queue.ErrNoResult) {
		return false, nil
	}
	return err == nil, err
}

// Get blocks until the result is stored, ctx is done or timeout elapses
// (timeout <= 0 waits on ctx alone). The returned value is a private copy.
// A task that failed remotely yields a *TaskError.
func (r *AsyncResult) Get(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	consumer, err := r.app.Consumer()
	if err != nil {
		return nil, err
	}
	res, err := consumer.Wait(ctx, r.id)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrResultTimeout, r)
	}
	if err != nil {
		return nil, err
	}
	if res.Status == queue.StatusFailure {
		return nil, &TaskError{ID: r.id, Task: r.task, Message: res.Error}
	}
	return bytes.Clone(res.Value), nil
}

// Forget drops the stored result. The remote task keeps running if it has
// not finished yet; only the interest in its result is discarded.
func (r *AsyncResult) Forget(ctx context.Context) error {
	return r.app.backend.Forget(ctx, r.id)
}
