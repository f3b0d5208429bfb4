package entrypoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/queue"
	"github.com/oriys/entrypoint/internal/taskqueue"
	"github.com/oriys/entrypoint/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Keep-alive connections of the blocking HTTP client.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func TestParseTransport(t *testing.T) {
	tests := []struct {
		in   string
		want Transport
	}{
		{"http", TransportHTTP},
		{"HTTP", TransportHTTP},
		{"async_http", TransportAsyncHTTP},
		{"ASYNCIO", TransportAsyncHTTP},
		{" queued ", TransportQueued},
		{"CELERY", TransportQueued},
	}
	for _, tt := range tests {
		got, err := ParseTransport(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseTransport(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseTransport("carrier-pigeon"); !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("expected ErrUnsupportedTransport, got %v", err)
	}
}

func TestInvoke_UnsupportedTransport(t *testing.T) {
	c := New(Config{Transport: "smoke-signals"})
	_, err := c.Invoke(context.Background(), "x", "get", nil)
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("expected ErrUnsupportedTransport, got %v", err)
	}
	// Enter and Exit are no-ops outside the queued transport.
	if err := c.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	c.Exit()
	if c.Active() {
		t.Fatal("non-queued client opened a connection")
	}
}

func TestInvoke_HTTP(t *testing.T) {
	var gotPath, gotMethod, gotCtx string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		gotCtx = r.Header.Get(propagation.HeaderName)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var log bytes.Buffer
	c := New(Config{Transport: TransportHTTP, BaseURL: srv.URL, Compress: true},
		WithCallLogger(logging.NewLogger(&log)))

	ctx := propagation.WithValues(context.Background(), map[string]any{"request_id": "r-1"})
	res, err := c.Invoke(ctx, "orders.get_all", " GET ", map[string]any{"page": 2})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	res.Response.Body.Close()

	if res.Response.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.Response.StatusCode)
	}
	if gotPath != "/orders/get-all" || gotMethod != http.MethodGet {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	values, err := propagation.FromHeader(gotCtx)
	if err != nil || values["request_id"] != "r-1" {
		t.Fatalf("context header = %q (%v)", gotCtx, err)
	}
	if _, ok := values["traceparent"]; ok {
		t.Fatal("traceparent sent without a recording tracer")
	}
	if !strings.Contains(log.String(), "✗ http get orders.get_all") {
		t.Fatalf("call log = %q", log.String())
	}
}

func TestInvoke_NoContextNoHeader(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
	}))
	defer srv.Close()

	c := New(Config{Transport: TransportHTTP}, WithContextProviders(propagation.Noop{}, nil))
	res, err := c.Invoke(context.Background(), srv.URL, "delete", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	res.Response.Body.Close()
	if _, ok := headers[propagation.HeaderName]; ok {
		t.Fatalf("unexpected context header: %v", headers)
	}
}

func TestInvoke_AsyncHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	c := New(Config{Transport: TransportAsyncHTTP})
	res, err := c.Invoke(context.Background(), srv.URL, "post", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Pending == nil || res.Response != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	resp, err := res.Pending.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"a":1}` {
		t.Fatalf("echoed body = %q", body)
	}
}

type memoryDialer struct {
	srv   *queue.Memory
	dials int
}

func (d *memoryDialer) dial() (*taskqueue.App, error) {
	d.dials++
	return taskqueue.DialMemory(d.srv, taskqueue.Options{PollInterval: 10 * time.Millisecond}), nil
}

func queuedClient(cfg Config) (*Client, *memoryDialer) {
	d := &memoryDialer{srv: queue.NewMemory()}
	cfg.Transport = TransportQueued
	return New(cfg, WithDialer(d.dial)), d
}

func TestQueued_NestedAcquisition(t *testing.T) {
	c, d := queuedClient(Config{Key: "orders"})

	const n = 4
	for i := 0; i < n; i++ {
		if err := c.Enter(); err != nil {
			t.Fatalf("Enter: %v", err)
		}
	}
	if c.Depth() != n-1 || !c.Active() {
		t.Fatalf("depth = %d, active = %v", c.Depth(), c.Active())
	}
	for i := 0; i < n; i++ {
		c.Exit()
	}
	if c.Depth() != 0 || c.Active() {
		t.Fatalf("after release: depth = %d, active = %v", c.Depth(), c.Active())
	}
	if d.dials != 1 {
		t.Fatalf("dialed %d times", d.dials)
	}
}

func TestQueued_IgnoreResult(t *testing.T) {
	c, d := queuedClient(Config{Worker: "svc", Key: "orders", IgnoreResult: true})

	err := c.Do(func(c *Client) error {
		res, err := c.Invoke(context.Background(), "create", "POST", map[string]any{"id": 7})
		if err != nil {
			return err
		}
		if !res.Empty() {
			t.Errorf("expected empty result, got %+v", res)
		}
		if len(c.Tracked()) != 0 {
			t.Errorf("tracked %d results", len(c.Tracked()))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if d.srv.Len("orders") != 1 {
		t.Fatalf("queue length = %d", d.srv.Len("orders"))
	}
}

func TestQueued_CustomKeyLeavesPrimaryUntouched(t *testing.T) {
	c, d := queuedClient(Config{Worker: "svc", Key: "orders", Async: true})

	err := c.Do(func(c *Client) error {
		first, err := c.Invoke(context.Background(), "list", "get", nil)
		if err != nil {
			return err
		}
		if err := c.Enter(); err != nil {
			return err
		}
		defer c.Exit()

		if _, err := c.Invoke(context.Background(), "list", "get", nil, WithCustomKey("billing")); err != nil {
			return err
		}
		if c.Depth() != 1 {
			t.Errorf("primary depth = %d, want 1", c.Depth())
		}
		tracked := c.Tracked()
		if len(tracked) != 1 || tracked[0] != first.Async {
			t.Errorf("primary tracked = %v", tracked)
		}

		// Same key as the client's own: no secondary client.
		if _, err := c.Invoke(context.Background(), "list", "get", nil, WithCustomKey("orders")); err != nil {
			return err
		}
		if len(c.Tracked()) != 2 {
			t.Errorf("primary tracked = %d, want 2", len(c.Tracked()))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if d.dials != 2 {
		t.Fatalf("dials = %d, want primary + secondary", d.dials)
	}
	if d.srv.Len("billing") != 1 || d.srv.Len("orders") != 2 {
		t.Fatalf("queues: billing=%d orders=%d", d.srv.Len("billing"), d.srv.Len("orders"))
	}
}

func TestQueued_SyncRoundTripThroughWorker(t *testing.T) {
	c, d := queuedClient(Config{Worker: "svc", Key: "math", Compress: true, ResultTimeout: 2 * time.Second})

	reg := worker.NewRegistry()
	reg.RegisterEntrypoint("svc", "math", "sum", "post", func(ctx context.Context, args map[string]any) (any, error) {
		var total float64
		for _, v := range args["values"].([]any) {
			total += v.(float64)
		}
		return map[string]any{"total": total, "request_id": propagation.ValuesFrom(ctx)["request_id"]}, nil
	})
	broker, backend := d.srv.Broker(), d.srv.Backend()
	pool := worker.New(broker, backend, reg, worker.Config{Queues: []string{"math"}, PollTimeout: 20 * time.Millisecond})
	pool.Start()
	defer func() {
		pool.Stop()
		broker.Close()
		backend.Disconnect()
	}()

	ctx := propagation.WithValues(context.Background(), map[string]any{"request_id": "r-9"})
	res, err := c.Invoke(ctx, "sum", "POST", map[string]any{"values": []int{1, 2, 3}})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out struct {
		Total     float64 `json:"total"`
		RequestID string  `json:"request_id"`
	}
	if err := res.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Total != 6 || out.RequestID != "r-9" {
		t.Fatalf("result = %+v", out)
	}
	if c.Active() || len(c.Tracked()) != 0 {
		t.Fatal("scoped acquisition was not released")
	}
	if d.srv.Results() != 0 {
		t.Fatalf("teardown left %d results", d.srv.Results())
	}
}

func TestQueued_DialFailure(t *testing.T) {
	dialErr := errors.New("no broker")
	c := New(Config{Transport: TransportQueued}, WithDialer(func() (*taskqueue.App, error) {
		return nil, dialErr
	}))
	if _, err := c.Invoke(context.Background(), "x", "get", nil); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if c.Active() {
		t.Fatal("client active after failed dial")
	}
}
