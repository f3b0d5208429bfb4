package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/metrics"
	"github.com/oriys/entrypoint/internal/observability"
	"github.com/oriys/entrypoint/internal/payload"
	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/queue"
)

// Config configures a worker pool.
type Config struct {
	Concurrency   int
	Queues        []string
	PollTimeout   time.Duration // how long one Consume blocks
	ResultTTL     time.Duration // how long stored results live
	InvokeTimeout time.Duration // bound on one handler run
}

const (
	defaultConcurrency   = 4
	defaultPollTimeout   = time.Second
	defaultResultTTL     = 24 * time.Hour
	defaultInvokeTimeout = 5 * time.Minute
)

// Pool executes queued tasks.
type Pool struct {
	broker   queue.Broker
	backend  queue.Backend
	registry *Registry
	cfg      Config

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a pool. The pool does not own broker or backend and never
// closes them.
func New(broker queue.Broker, backend queue.Backend, registry *Registry, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	return &Pool{broker: broker, backend: backend, registry: registry, cfg: cfg}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error { return p.loop(ctx, workerID) })
	}
	logging.Op().Info("workers started", "workers", p.cfg.Concurrency, "queues", p.cfg.Queues, "tasks", p.registry.Names())
}

// Stop cancels the workers and waits for the tasks in flight to finish.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel, g := p.cancel, p.group
	p.mu.Unlock()

	cancel()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Op().Info("workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) error {
	for next := 0; ; next = (next + 1) % len(p.cfg.Queues) {
		q := p.cfg.Queues[next]
		msg, err := p.broker.Consume(ctx, q, p.cfg.PollTimeout)
		switch {
		case err == nil:
			p.handle(msg)
		case errors.Is(err, queue.ErrNoMessage):
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, queue.ErrClosed):
			return err
		default:
			logging.Op().Error("consume failed", "worker", workerID, "queue", q, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollTimeout):
			}
		}
	}
}

// handle runs one message to completion. It uses its own context so Stop
// lets the task in flight finish and store its result.
func (p *Pool) handle(msg *queue.TaskMessage) {
	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.InvokeTimeout)
	defer cancel()

	ctx, err := propagation.Extract(ctx, msg.Headers[propagation.HeaderName])
	if err != nil {
		logging.Op().Warn("ignoring malformed context header", "task", msg.Task, "id", msg.ID, "error", err)
	}
	ctx, span := observability.StartConsumerSpan(ctx, msg.Task,
		observability.AttrTask.String(msg.Task),
		observability.AttrTaskID.String(msg.ID),
		observability.AttrQueue.String(msg.Queue),
	)
	defer span.End()

	start := time.Now()
	value, runErr := p.run(ctx, msg)
	durationMs := time.Since(start).Milliseconds()
	metrics.RecordWorkerTask(msg.Task, durationMs, runErr == nil)
	span.SetAttributes(observability.AttrDurationMs.Int64(durationMs))

	log := logging.OpContext(ctx)
	res := &queue.TaskResult{ID: msg.ID, Task: msg.Task, CompletedAt: time.Now().UTC()}
	if runErr != nil {
		observability.SetSpanError(span, runErr)
		log.Error("task failed", "task", msg.Task, "id", msg.ID, "error", runErr)
		res.Status = queue.StatusFailure
		res.Error = runErr.Error()
	} else {
		observability.SetSpanOK(span)
		log.Debug("task succeeded", "task", msg.Task, "id", msg.ID, "duration_ms", durationMs)
		res.Status = queue.StatusSuccess
		res.Value = value
	}

	if msg.IgnoreResult {
		return
	}
	if err := p.backend.Store(context.Background(), res, p.cfg.ResultTTL); err != nil {
		log.Error("store result failed", "task", msg.Task, "id", msg.ID, "error", err)
	}
}

func (p *Pool) run(ctx context.Context, msg *queue.TaskMessage) (value json.RawMessage, err error) {
	h, err := p.registry.Lookup(msg.Task)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if len(msg.Body) > 0 {
		header := http.Header{}
		if msg.ContentEncoding != "" {
			header.Set("Content-Encoding", msg.ContentEncoding)
		}
		if err := payload.Decode(msg.Body, header, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	out, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	return payload.Marshal(out, nil)
}
