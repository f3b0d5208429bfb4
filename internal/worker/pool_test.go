package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/oriys/entrypoint/internal/payload"
	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/queue"
	"github.com/oriys/entrypoint/internal/taskqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	srv  *queue.Memory
	app  *taskqueue.App
	pool *Pool
}

func startHarness(t *testing.T, reg *Registry, queues ...string) *harness {
	t.Helper()
	srv := queue.NewMemory()
	broker, backend := srv.Broker(), srv.Backend()
	pool := New(broker, backend, reg, Config{
		Concurrency: 2,
		Queues:      queues,
		PollTimeout: 20 * time.Millisecond,
		ResultTTL:   time.Minute,
	})
	pool.Start()
	app := taskqueue.DialMemory(srv, taskqueue.Options{PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		if err := app.Close(); err != nil {
			t.Errorf("close app: %v", err)
		}
		if err := pool.Stop(); err != nil {
			t.Errorf("stop pool: %v", err)
		}
		broker.Close()
		backend.Disconnect()
	})
	return &harness{srv: srv, app: app, pool: pool}
}

func (h *harness) apply(t *testing.T, name, q string, args map[string]any, opts taskqueue.ApplyOptions) *taskqueue.AsyncResult {
	t.Helper()
	body, header, err := payload.Encode(args, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	opts.Body = body
	opts.ContentType = header.Get("Content-Type")
	opts.ContentEncoding = header.Get("Content-Encoding")
	r, err := h.app.Task(name, taskqueue.TaskOptions{Queue: q}).Apply(context.Background(), opts)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return r
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	if err := reg.RegisterEntrypoint("svc", "orders", "get/all", "GET", noop); err != nil {
		t.Fatalf("RegisterEntrypoint: %v", err)
	}
	if err := reg.Register("svc.orders.get.all.get", noop); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := reg.Register("", noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if diff := cmp.Diff([]string{"svc.orders.get.all.get"}, reg.Names()); diff != "" {
		t.Fatalf("Names (-want +got):\n%s", diff)
	}
}

func TestPool_RoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register("math.double", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"n": args["n"].(float64) * 2}, nil
	})
	h := startHarness(t, reg, "math")

	r := h.apply(t, "math.double", "math", map[string]any{"n": 21}, taskqueue.ApplyOptions{})
	value, err := r.Get(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got map[string]float64
	if err := json.Unmarshal(value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["n"] != 42 {
		t.Fatalf("value = %s", value)
	}
}

func TestPool_Failures(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("kaput")
	})
	reg.Register("panics", func(context.Context, map[string]any) (any, error) {
		panic("oh no")
	})
	h := startHarness(t, reg, "default")

	cases := []struct {
		task string
		want string
	}{
		{"boom", "kaput"},
		{"panics", "handler panic: oh no"},
		{"nobody.home", "unknown task"},
	}
	for _, tc := range cases {
		t.Run(tc.task, func(t *testing.T) {
			r := h.apply(t, tc.task, "default", map[string]any{"x": 1}, taskqueue.ApplyOptions{})
			_, err := r.Get(context.Background(), 2*time.Second)
			var te *taskqueue.TaskError
			if !errors.As(err, &te) || !errors.Is(err, taskqueue.ErrTaskFailed) {
				t.Fatalf("expected TaskError, got %v", err)
			}
			if !strings.Contains(te.Message, tc.want) {
				t.Fatalf("message = %q, want substring %q", te.Message, tc.want)
			}
		})
	}
}

func TestPool_PropagatesContext(t *testing.T) {
	seen := make(chan map[string]any, 1)
	reg := NewRegistry()
	reg.Register("ctx", func(ctx context.Context, _ map[string]any) (any, error) {
		seen <- propagation.ValuesFrom(ctx)
		return "ok", nil
	})
	h := startHarness(t, reg, "default")

	header, ok, err := propagation.Header(context.Background(), propagation.ProviderFunc(func(context.Context) map[string]any {
		return map[string]any{"request_id": "r-1"}
	}))
	if err != nil || !ok {
		t.Fatalf("Header: %v %v", ok, err)
	}
	r := h.apply(t, "ctx", "default", nil, taskqueue.ApplyOptions{
		Headers: map[string]string{propagation.HeaderName: header},
	})
	if _, err := r.Get(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := <-seen; got["request_id"] != "r-1" {
		t.Fatalf("handler context = %v", got)
	}
}

func TestPool_IgnoredResultIsNotStored(t *testing.T) {
	done := make(chan struct{})
	reg := NewRegistry()
	reg.Register("fire", func(context.Context, map[string]any) (any, error) {
		close(done)
		return "ignored", nil
	})
	h := startHarness(t, reg, "default")

	_, err := h.app.Task("fire", taskqueue.TaskOptions{IgnoreResult: true}).Apply(context.Background(), taskqueue.ApplyOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	// Give the worker time to (not) store a result.
	time.Sleep(50 * time.Millisecond)
	if n := h.srv.Results(); n != 0 {
		t.Fatalf("stored %d results", n)
	}
}

func TestPool_DelayedTaskWaitsForETA(t *testing.T) {
	ran := make(chan time.Time, 1)
	reg := NewRegistry()
	reg.Register("later", func(context.Context, map[string]any) (any, error) {
		ran <- time.Now()
		return nil, nil
	})
	h := startHarness(t, reg, "default")

	start := time.Now()
	r := h.apply(t, "later", "default", nil, taskqueue.ApplyOptions{Countdown: 150 * time.Millisecond})
	if _, err := r.Get(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if at := <-ran; at.Sub(start) < 150*time.Millisecond {
		t.Fatalf("task ran %s after dispatch, before its ETA", at.Sub(start))
	}
}
