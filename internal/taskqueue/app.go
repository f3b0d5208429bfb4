// Package taskqueue is the client side of queued invocations: an App is one
// private connection to a broker and a result backend, Tasks publish
// messages through it and AsyncResults track what the workers answered.
//
// An App is expensive (two connection pools and, once a result is awaited, a
// background consumer goroutine), so callers share one through a Guard and
// tear it down deterministically when the outermost user releases it.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/oriys/entrypoint/internal/queue"
)

var (
	// ErrClosed is returned when publishing through an App that was closed.
	ErrClosed = errors.New("taskqueue: app closed")
	// ErrResultTimeout is returned when a result did not arrive in time.
	ErrResultTimeout = errors.New("taskqueue: timed out waiting for result")
	// ErrNoApp is returned when a Dialer reports success without an App.
	ErrNoApp = errors.New("taskqueue: dialer returned no app")
	// ErrTaskFailed matches every *TaskError.
	ErrTaskFailed = errors.New("taskqueue: task failed")
)

const (
	DefaultQueue        = "default"
	DefaultPollInterval = 500 * time.Millisecond
)

// Config describes how to reach the broker and the result backend.
type Config struct {
	BrokerURL        string // redis://host:port/db
	ResultBackendURL string // defaults to BrokerURL
	Prefix           string // key prefix, defaults to queue.DefaultPrefix
	PollInterval     time.Duration
}

// Options tunes an App built from already-open connections.
type Options struct {
	PollInterval time.Duration
}

// App is one connection to a broker and a result backend. It is never shared
// implicitly: every Dial returns a fresh App owned by the caller.
type App struct {
	id      string
	broker  queue.Broker
	backend queue.Backend
	opts    Options

	mu       sync.Mutex
	tasks    map[string]*Task
	consumer *ResultConsumer
	closed   bool
}

// New wraps open broker and backend connections. The App takes ownership of
// both and closes them in Close.
func New(broker queue.Broker, backend queue.Backend, opts Options) *App {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &App{
		id:      uuid.NewString(),
		broker:  broker,
		backend: backend,
		opts:    opts,
		tasks:   make(map[string]*Task),
	}
}

// Dial opens a Redis broker and a separate Redis result backend.
func Dial(cfg Config) (*App, error) {
	if !strings.HasPrefix(cfg.BrokerURL, "redis://") && !strings.HasPrefix(cfg.BrokerURL, "rediss://") {
		return nil, fmt.Errorf("unsupported broker url %q: want redis:// or rediss://", cfg.BrokerURL)
	}
	backendURL := cfg.ResultBackendURL
	if backendURL == "" {
		backendURL = cfg.BrokerURL
	}
	broker, err := queue.DialRedisBroker(cfg.BrokerURL, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	backend, err := queue.DialRedisBackend(backendURL, cfg.Prefix)
	if err != nil {
		broker.Close()
		return nil, err
	}
	return New(broker, backend, Options{PollInterval: cfg.PollInterval}), nil
}

// DialMemory connects an App to an in-process queue server.
func DialMemory(srv *queue.Memory, opts Options) *App {
	return New(srv.Broker(), srv.Backend(), opts)
}

// ID identifies the App in logs.
func (a *App) ID() string { return a.id }

func (a *App) String() string { return "taskqueue.App(" + a.id + ")" }

// Backend returns the result backend connection.
func (a *App) Backend() queue.Backend { return a.backend }

// TaskOptions configures a task at registration time.
type TaskOptions struct {
	Queue        string
	IgnoreResult bool
}

// Task registers the named task on the App, or resolves the already
// registered one. Options only apply on first registration.
func (a *App) Task(name string, opts TaskOptions) *Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tasks[name]; ok {
		return t
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	t := &Task{app: a, name: name, opts: opts}
	a.tasks[name] = t
	return t
}

// Consumer returns the background result consumer, starting it on first use.
func (a *App) Consumer() (*ResultConsumer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.consumer == nil {
		c := NewResultConsumer(a.backend, a.opts.PollInterval)
		if err := c.Start(); err != nil {
			return nil, err
		}
		a.consumer = c
	}
	return a.consumer, nil
}

func (a *App) publish(ctx context.Context, msg *queue.TaskMessage) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return a.broker.Publish(ctx, msg)
}

// StepError reports which teardown step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Teardown step names, also used as metric labels.
const (
	StepBackendDisconnect = "backend_disconnect"
	StepConsumerStop      = "consumer_stop"
	StepBrokerClose       = "broker_close"
)

// Close tears the App down in three independent steps: disconnect the
// result backend pool, stop the background result consumer, close the
// broker. A failing (or panicking) step does not prevent the next ones; the
// failures are returned combined, each as a *StepError.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	consumer := a.consumer
	a.consumer = nil
	a.mu.Unlock()

	var err error
	err = multierr.Append(err, runStep(StepBackendDisconnect, a.backend.Disconnect))
	err = multierr.Append(err, runStep(StepConsumerStop, func() error {
		if consumer == nil {
			return nil
		}
		return consumer.Stop()
	}))
	err = multierr.Append(err, runStep(StepBrokerClose, a.broker.Close))
	return err
}

func runStep(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StepError{Step: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := fn(); e != nil {
		return &StepError{Step: name, Err: e}
	}
	return nil
}
