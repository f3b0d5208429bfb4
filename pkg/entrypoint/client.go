// Package entrypoint invokes named remote operations over one of three
// transports chosen per client: a blocking HTTP request, a non-blocking
// HTTP request, or a task dispatched to a worker pool through a queue.
//
// Call sites use the same Invoke contract whatever the transport. Queued
// clients own one task queue connection, shared by nested users through
// Enter/Exit (or Do) and torn down when the outermost user releases it:
//
//	c := entrypoint.New(cfg)
//	err := c.Do(func(c *entrypoint.Client) error {
//		res, err := c.Invoke(ctx, "orders/create", "post", args)
//		...
//	})
//
// A Client is not safe for concurrent use; give each goroutine its own.
package entrypoint

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/metrics"
	"github.com/oriys/entrypoint/internal/naming"
	"github.com/oriys/entrypoint/internal/observability"
	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/taskqueue"
	"github.com/oriys/entrypoint/internal/transport"
)

const (
	DefaultHTTPTimeout   = 30 * time.Second
	DefaultResultTimeout = 60 * time.Second
)

// Config fixes the behavior of a client.
type Config struct {
	Transport Transport
	Compress  bool   // gzip request bodies and queued arguments
	BaseURL   string // resolves HTTP targets that are entry point names rather than URLs

	// Queued transport.
	Worker        string // worker namespace, first part of task names
	Key           string // routing namespace and queue name
	Queue         taskqueue.Config
	Countdown     time.Duration // delay before queued tasks may run
	IgnoreResult  bool
	Async         bool          // return result handles instead of waiting
	ResultTimeout time.Duration // bound on synchronous waits
	ForgetTimeout time.Duration // bound on each forget during teardown

	HTTPTimeout time.Duration
}

// Client invokes entry points with one transport.
type Client struct {
	cfg  Config
	opts options

	http   *transport.HTTP
	async  *transport.AsyncHTTP
	queued *transport.Queued
	guard  *taskqueue.Guard
}

// New builds a client. Nothing is dialed until a queued client is entered
// or invoked. An unknown transport is reported by Invoke.
func New(cfg Config, opts ...Option) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = DefaultResultTimeout
	}
	o := options{providers: propagation.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		queueCfg := cfg.Queue
		o.dialer = func() (*taskqueue.App, error) { return taskqueue.Dial(queueCfg) }
	}

	codec := transport.Codec{Compress: cfg.Compress, Fallback: o.fallback}
	c := &Client{
		cfg:   cfg,
		opts:  o,
		guard: taskqueue.NewGuard(cfg.Transport == TransportQueued, o.dialer),
	}
	c.guard.SetForgetTimeout(cfg.ForgetTimeout)
	switch cfg.Transport {
	case TransportHTTP:
		c.http = transport.NewHTTP(o.httpClient, cfg.HTTPTimeout, codec)
	case TransportAsyncHTTP:
		c.async = transport.NewAsyncHTTP(o.asyncBase, cfg.HTTPTimeout, codec)
	case TransportQueued:
		c.queued = &transport.Queued{
			Worker:        cfg.Worker,
			Key:           cfg.Key,
			Countdown:     cfg.Countdown,
			IgnoreResult:  cfg.IgnoreResult,
			Async:         cfg.Async,
			ResultTimeout: cfg.ResultTimeout,
			Codec:         codec,
		}
	}
	return c
}

// Config returns the client's configuration.
func (c *Client) Config() Config { return c.cfg }

// Enter acquires the task queue connection, dialing it on first use. Every
// Enter must be paired with an Exit. A no-op for HTTP transports.
func (c *Client) Enter() error { return c.guard.Enter() }

// Exit releases one acquisition. Releasing the outermost one forgets every
// tracked result and closes the connection; cleanup failures are logged,
// never returned.
func (c *Client) Exit() { c.guard.Exit() }

// Do runs fn inside one acquisition of the client.
func (c *Client) Do(fn func(*Client) error) error {
	return c.guard.Do(func() error { return fn(c) })
}

// Depth returns the number of nested acquisitions beyond the owning one.
func (c *Client) Depth() int { return c.guard.Depth() }

// Active reports whether the task queue connection is open.
func (c *Client) Active() bool { return c.guard.Active() }

// Tracked returns the result handles that teardown will forget.
func (c *Client) Tracked() []*taskqueue.AsyncResult { return c.guard.Tracked() }

// Discard forgets r now instead of at teardown.
func (c *Client) Discard(ctx context.Context, r *taskqueue.AsyncResult) error {
	return c.guard.Discard(ctx, r)
}

// Invoke calls the entry point target with method and keyword arguments.
//
// Transport failures are returned unchanged and non-2xx HTTP statuses are
// not errors. Queued calls run inside an acquisition of the client (nested
// when the caller already holds it); hold the client across async queued
// calls so the returned handles stay usable.
func (c *Client) Invoke(ctx context.Context, target, method string, args map[string]any, opts ...CallOption) (*Result, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	method = strings.ToLower(strings.TrimSpace(method))

	ctx, span := observability.StartClientSpan(ctx, "invoke "+target,
		observability.AttrTarget.String(target),
		observability.AttrMethod.String(method),
		observability.AttrTransport.String(string(c.cfg.Transport)),
	)
	defer span.End()

	start := time.Now()
	res, err := c.invoke(ctx, target, method, args, co)
	durationMs := time.Since(start).Milliseconds()

	entry := &logging.CallLog{
		Target:     target,
		Method:     method,
		Transport:  string(c.cfg.Transport),
		TraceID:    observability.TraceID(ctx),
		DurationMs: durationMs,
		Success:    err == nil,
		Args:       len(args),
	}
	if err != nil {
		entry.Error = err.Error()
		observability.SetSpanError(span, err)
	} else {
		if res.Response != nil {
			entry.StatusCode = res.Response.StatusCode
			entry.Success = res.Response.StatusCode < http.StatusBadRequest
		}
		if res.Async != nil {
			entry.TaskID = res.Async.ID()
			span.SetAttributes(observability.AttrTaskID.String(entry.TaskID))
		}
		observability.SetSpanOK(span)
	}
	span.SetAttributes(observability.AttrDurationMs.Int64(durationMs))
	metrics.RecordInvocation(string(c.cfg.Transport), durationMs, entry.Success)
	c.opts.callLog.Log(entry)
	return res, err
}

func (c *Client) invoke(ctx context.Context, target, method string, args map[string]any, co callOptions) (*Result, error) {
	header := http.Header{}
	value, ok, err := propagation.Header(ctx, c.opts.providers...)
	if err != nil {
		return nil, fmt.Errorf("encode context header: %w", err)
	}
	if ok {
		header.Set(propagation.HeaderName, value)
	}
	call := transport.Call{Target: target, Method: method, Header: header, Args: args}

	switch c.cfg.Transport {
	case TransportHTTP:
		call.Target = c.resolve(target)
		resp, err := c.http.Do(ctx, call)
		if err != nil {
			return nil, err
		}
		return &Result{Response: resp}, nil
	case TransportAsyncHTTP:
		call.Target = c.resolve(target)
		return &Result{Pending: c.async.Start(ctx, call)}, nil
	case TransportQueued:
		if co.customKey != "" && co.customKey != c.cfg.Key {
			return c.secondary(co.customKey).dispatch(ctx, call)
		}
		return c.dispatch(ctx, call)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, c.cfg.Transport)
	}
}

// dispatch publishes a queued call inside a scoped acquisition.
func (c *Client) dispatch(ctx context.Context, call transport.Call) (*Result, error) {
	var res transport.QueuedResult
	err := c.guard.Do(func() error {
		var err error
		res, err = c.queued.Dispatch(ctx, c.guard, call)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Async: res.Async, Value: res.Value}, nil
}

// secondary returns a client sharing this one's configuration and options
// but addressed under key. It owns its own connection and tracked results.
func (c *Client) secondary(key string) *Client {
	cfg := c.cfg
	cfg.Key = key
	o := c.opts
	return New(cfg, func(dst *options) { *dst = o })
}

// resolve turns an entry point name into a URL under BaseURL. Targets that
// already are URLs, or clients without a BaseURL, are left alone.
func (c *Client) resolve(target string) string {
	if c.cfg.BaseURL == "" || strings.Contains(target, "://") {
		return target
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + naming.HTTPPath(target)
}
