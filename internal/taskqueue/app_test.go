package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/oriys/entrypoint/internal/queue"
)

func TestApp_ApplyPublishesMessage(t *testing.T) {
	srv := queue.NewMemory()
	app := DialMemory(srv, Options{})
	defer app.Close()
	ctx := context.Background()

	task := app.Task("svc.orders.create.post", TaskOptions{Queue: "orders"})
	if again := app.Task("svc.orders.create.post", TaskOptions{Queue: "other"}); again != task {
		t.Fatal("expected the registered task to be resolved")
	}

	r, err := task.Apply(ctx, ApplyOptions{
		Body:        []byte(`{"sku":"x"}`),
		ContentType: "application/json",
		Headers:     map[string]string{"Entrypoint-Context": `{"id":"c"}`},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	msg, err := srv.Broker().Consume(ctx, "orders", time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if msg.ID != r.ID() || msg.Task != "svc.orders.create.post" || string(msg.Body) != `{"sku":"x"}` {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Headers["Entrypoint-Context"] != `{"id":"c"}` {
		t.Fatalf("headers not propagated: %v", msg.Headers)
	}
}

func TestApp_CountdownDelaysMessage(t *testing.T) {
	srv := queue.NewMemory()
	app := DialMemory(srv, Options{})
	defer app.Close()

	task := app.Task("t", TaskOptions{})
	if _, err := task.Apply(context.Background(), ApplyOptions{Countdown: time.Hour}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if srv.Delayed() != 1 || srv.Len(DefaultQueue) != 0 {
		t.Fatalf("expected delayed message, delayed=%d ready=%d", srv.Delayed(), srv.Len(DefaultQueue))
	}
}

func TestAsyncResult_GetWaitsForResult(t *testing.T) {
	srv := queue.NewMemory()
	app := DialMemory(srv, Options{PollInterval: time.Second})
	defer app.Close()
	ctx := context.Background()

	r, err := app.Task("t", TaskOptions{}).Apply(ctx, ApplyOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ready, _ := r.Ready(ctx); ready {
		t.Fatal("result ready before any worker ran")
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		srv.Backend().Store(ctx, &queue.TaskResult{ID: r.ID(), Status: queue.StatusSuccess, Value: []byte(`{"n":1}`)}, time.Minute)
	}()

	start := time.Now()
	value, err := r.Get(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != `{"n":1}` {
		t.Fatalf("value = %s", value)
	}
	// Woken by the notification, not by the 1s poll.
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("Get took %s; readiness notification not delivered", time.Since(start))
	}
	if ready, _ := r.Ready(ctx); !ready {
		t.Fatal("expected result ready")
	}
	if err := r.Forget(ctx); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if ready, _ := r.Ready(ctx); ready {
		t.Fatal("result still ready after Forget")
	}
}

func TestAsyncResult_GetTimeoutAndFailure(t *testing.T) {
	srv := queue.NewMemory()
	app := DialMemory(srv, Options{PollInterval: 10 * time.Millisecond})
	defer app.Close()
	ctx := context.Background()
	task := app.Task("t", TaskOptions{})

	r, _ := task.Apply(ctx, ApplyOptions{})
	if _, err := r.Get(ctx, 50*time.Millisecond); !errors.Is(err, ErrResultTimeout) {
		t.Fatalf("expected ErrResultTimeout, got %v", err)
	}

	failed, _ := task.Apply(ctx, ApplyOptions{})
	srv.Backend().Store(ctx, &queue.TaskResult{ID: failed.ID(), Status: queue.StatusFailure, Error: "out of stock"}, 0)
	_, err := failed.Get(ctx, time.Second)
	var te *TaskError
	if !errors.As(err, &te) || !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("expected *TaskError, got %v", err)
	}
	if te.Message != "out of stock" {
		t.Fatalf("message = %q", te.Message)
	}
}

type failingBackend struct{ queue.Backend }

func (failingBackend) Disconnect() error { panic("disconnect exploded") }

type failingBroker struct {
	queue.Broker
	closed bool
}

func (b *failingBroker) Close() error {
	b.closed = true
	return errors.New("close failed")
}

func TestApp_CloseIsolatesSteps(t *testing.T) {
	srv := queue.NewMemory()
	br := &failingBroker{Broker: srv.Broker()}
	app := New(br, failingBackend{Backend: srv.Backend()}, Options{})

	err := app.Close()
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("expected 2 step errors, got %v", err)
	}
	var first, second *StepError
	if !errors.As(errs[0], &first) || first.Step != StepBackendDisconnect {
		t.Fatalf("unexpected first error %v", errs[0])
	}
	if !errors.As(errs[1], &second) || second.Step != StepBrokerClose {
		t.Fatalf("unexpected second error %v", errs[1])
	}
	if !br.closed {
		t.Fatal("broker close skipped after earlier failure")
	}
	if err := app.Close(); err != nil {
		t.Fatalf("second Close returned %v", err)
	}
	if _, err := app.Task("t", TaskOptions{}).Apply(context.Background(), ApplyOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
