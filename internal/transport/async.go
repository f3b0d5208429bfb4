package transport

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// AsyncHTTP starts requests without blocking the caller. Each call gets its
// own short-lived session (a private connection pool) that is released as
// soon as the call completes or fails; sessions are never pooled across
// calls.
type AsyncHTTP struct {
	base    *http.Transport
	timeout time.Duration
	codec   Codec
}

// NewAsyncHTTP creates a non-blocking HTTP transport. Sessions are cloned
// from base (http.DefaultTransport when nil).
func NewAsyncHTTP(base *http.Transport, timeout time.Duration, codec Codec) *AsyncHTTP {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	return &AsyncHTTP{base: base, timeout: timeout, codec: codec}
}

// Pending is an in-flight request. It completes once the response headers
// arrived or the request failed.
type Pending struct {
	done chan struct{}
	resp *http.Response
	err  error
}

// Done is closed when the request completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Await blocks until the response headers are available or ctx is done.
// Giving up on ctx does not cancel the request; cancel the context passed to
// Start for that.
func (p *Pending) Await(ctx context.Context) (*http.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func completed(resp *http.Response, err error) *Pending {
	p := &Pending{done: make(chan struct{}), resp: resp, err: err}
	close(p.done)
	return p
}

// Start launches the call on its own goroutine and returns immediately.
// Encoding failures are reported by Await.
func (a *AsyncHTTP) Start(ctx context.Context, call Call) *Pending {
	req, err := a.codec.newRequest(call)
	if err != nil {
		return completed(nil, err)
	}
	req = req.WithContext(ctx)

	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		session := a.base.Clone()
		session.DisableKeepAlives = true
		defer session.CloseIdleConnections()

		client := &http.Client{Transport: instrument(session), Timeout: a.timeout}
		p.resp, p.err = client.Do(req)
	}()
	return p
}

// AwaitAll waits for every pending request and returns the responses in the
// same order. The first failure is returned once all requests completed;
// responses that did arrive are still returned so their bodies can be closed.
func AwaitAll(ctx context.Context, pending ...*Pending) ([]*http.Response, error) {
	resps := make([]*http.Response, len(pending))
	var g errgroup.Group
	for i, p := range pending {
		g.Go(func() error {
			resp, err := p.Await(ctx)
			resps[i] = resp
			return err
		})
	}
	return resps, g.Wait()
}
