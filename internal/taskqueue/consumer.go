package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/queue"
)

// ResultConsumer wakes up callers waiting on results. A background
// goroutine watches the backend's readiness notifications; waiters also poll
// Fetch every pollInterval because notifications may be lost.
type ResultConsumer struct {
	backend      queue.Backend
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewResultConsumer creates a consumer; call Start before Wait.
func NewResultConsumer(backend queue.Backend, pollInterval time.Duration) *ResultConsumer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &ResultConsumer{
		backend:      backend,
		pollInterval: pollInterval,
		waiters:      make(map[string][]chan struct{}),
	}
}

// Start launches the watch goroutine.
func (c *ResultConsumer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	ids, err := c.backend.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ids, c.done)
	return nil
}

func (c *ResultConsumer) run(ids <-chan string, done chan struct{}) {
	defer close(done)
	for id := range ids {
		c.wake(id)
	}
	logging.Op().Debug("result consumer stopped")
}

func (c *ResultConsumer) wake(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.waiters[id] {
		select {
		case ch <- struct{}{}:
		default:
			// Non-blocking: waiter already has a pending signal
		}
	}
}

// Wait blocks until the result for id is stored or ctx is done.
func (c *ResultConsumer) Wait(ctx context.Context, id string) (*queue.TaskResult, error) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()
	defer c.removeWaiter(id, ch)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		res, err := c.backend.Fetch(ctx, id)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, queue.ErrNoResult) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

// Waiting returns the number of ids with at least one waiter.
func (c *ResultConsumer) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *ResultConsumer) removeWaiter(id string, target chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[id]
	for i, ch := range chans {
		if ch == target {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(c.waiters, id)
		return
	}
	c.waiters[id] = chans
}

// Stop cancels the watch and waits for the goroutine to exit. It is safe to
// call more than once.
func (c *ResultConsumer) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("result consumer did not stop within 5s")
	}
}
