package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// memoryRecheck bounds how long a consumer sleeps before looking at the
// delayed set again.
const memoryRecheck = 20 * time.Millisecond

// Memory is an in-process queue server. Broker and Backend hand out
// connections to it; closing a connection never affects the others, the same
// way closing one Redis client leaves the server running. Messages and
// results are deep-copied on the way in and out.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][]*TaskMessage
	delayed  []*TaskMessage
	signals  map[string]chan struct{}
	results  map[string]memoryResult
	watchers map[chan string]struct{}
}

type memoryResult struct {
	res       *TaskResult
	expiresAt time.Time
}

// NewMemory creates an empty in-process queue server.
func NewMemory() *Memory {
	return &Memory{
		queues:   make(map[string][]*TaskMessage),
		signals:  make(map[string]chan struct{}),
		results:  make(map[string]memoryResult),
		watchers: make(map[chan string]struct{}),
	}
}

// Broker opens a broker connection.
func (m *Memory) Broker() Broker { return &memoryBroker{srv: m} }

// Backend opens a backend connection.
func (m *Memory) Backend() Backend { return &memoryBackend{srv: m} }

// Len returns the number of due messages waiting on queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// Delayed returns the number of messages held back until their ETA.
func (m *Memory) Delayed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delayed)
}

// Results returns the number of stored results, expired ones included.
func (m *Memory) Results() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func (m *Memory) promoteLocked(now time.Time) {
	kept := m.delayed[:0]
	for _, msg := range m.delayed {
		if msg.Due(now) {
			m.queues[msg.Queue] = append(m.queues[msg.Queue], msg)
			m.signalLocked(msg.Queue)
			continue
		}
		kept = append(kept, msg)
	}
	m.delayed = kept
}

func (m *Memory) signalChanLocked(queue string) chan struct{} {
	ch, ok := m.signals[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.signals[queue] = ch
	}
	return ch
}

func (m *Memory) signalLocked(queue string) {
	select {
	case m.signalChanLocked(queue) <- struct{}{}:
	default:
		// Non-blocking: a consumer already has a pending signal
	}
}

type memoryBroker struct {
	srv    *Memory
	closed atomic.Bool
}

func (b *memoryBroker) Publish(_ context.Context, msg *TaskMessage) error {
	if b.closed.Load() {
		return ErrClosed
	}
	m := b.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	c := msg.Clone()
	if !c.Due(time.Now()) {
		m.delayed = append(m.delayed, c)
		return nil
	}
	m.queues[c.Queue] = append(m.queues[c.Queue], c)
	m.signalLocked(c.Queue)
	return nil
}

func (b *memoryBroker) Consume(ctx context.Context, queue string, timeout time.Duration) (*TaskMessage, error) {
	m := b.srv
	deadline := time.Now().Add(timeout)
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		m.mu.Lock()
		m.promoteLocked(time.Now())
		if pending := m.queues[queue]; len(pending) > 0 {
			msg := pending[0]
			m.queues[queue] = pending[1:]
			m.mu.Unlock()
			return msg.Clone(), nil
		}
		signal := m.signalChanLocked(queue)
		m.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrNoMessage
		}
		timer := time.NewTimer(min(wait, memoryRecheck))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (b *memoryBroker) Ping(context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (b *memoryBroker) Close() error {
	b.closed.Store(true)
	return nil
}

type memoryBackend struct {
	srv *Memory

	mu           sync.Mutex
	watchers     []chan string
	disconnected bool
}

func (b *memoryBackend) isDisconnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnected
}

func (b *memoryBackend) Store(_ context.Context, res *TaskResult, ttl time.Duration) error {
	if b.isDisconnected() {
		return ErrClosed
	}
	m := b.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryResult{res: res.Clone()}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.results[res.ID] = entry
	for w := range m.watchers {
		select {
		case w <- res.ID:
		default:
			// Slow watcher: it falls back to polling Fetch
		}
	}
	return nil
}

func (b *memoryBackend) Fetch(_ context.Context, id string) (*TaskResult, error) {
	if b.isDisconnected() {
		return nil, ErrClosed
	}
	m := b.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.results[id]
	if !ok {
		return nil, ErrNoResult
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(m.results, id)
		return nil, ErrNoResult
	}
	return entry.res.Clone(), nil
}

func (b *memoryBackend) Forget(_ context.Context, id string) error {
	if b.isDisconnected() {
		return ErrClosed
	}
	m := b.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, id)
	return nil
}

func (b *memoryBackend) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)

	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()

	b.srv.mu.Lock()
	b.srv.watchers[ch] = struct{}{}
	b.srv.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.removeWatcher(ch)
	}()
	return ch, nil
}

// removeWatcher unregisters ch and closes it, unless Disconnect already did.
func (b *memoryBackend) removeWatcher(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.watchers {
		if w == ch {
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			b.srv.mu.Lock()
			delete(b.srv.watchers, ch)
			b.srv.mu.Unlock()
			close(ch)
			return
		}
	}
}

func (b *memoryBackend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disconnected {
		return nil
	}
	b.disconnected = true
	b.srv.mu.Lock()
	for _, w := range b.watchers {
		delete(b.srv.watchers, w)
		close(w)
	}
	b.srv.mu.Unlock()
	b.watchers = nil
	return nil
}
