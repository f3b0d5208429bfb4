package entrypoint

import (
	"net/http"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/payload"
	"github.com/oriys/entrypoint/internal/propagation"
	"github.com/oriys/entrypoint/internal/taskqueue"
)

// Option customizes a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	asyncBase  *http.Transport
	providers  []propagation.Provider
	dialer     taskqueue.Dialer
	fallback   payload.Fallback
	callLog    *logging.Logger
}

// WithHTTPClient sets the client used by the blocking HTTP transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithAsyncTransport sets the transport non-blocking calls clone their
// per-call sessions from.
func WithAsyncTransport(t *http.Transport) Option {
	return func(o *options) { o.asyncBase = t }
}

// WithContextProviders replaces the default context providers. Providers
// are merged in order; later keys win.
func WithContextProviders(providers ...propagation.Provider) Option {
	return func(o *options) { o.providers = providers }
}

// WithDialer replaces how the client opens its task queue connection.
func WithDialer(d taskqueue.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithFallback adds a payload fallback consulted before the built-in ones.
func WithFallback(f payload.Fallback) Option {
	return func(o *options) { o.fallback = f }
}

// WithCallLogger records every invocation on l.
func WithCallLogger(l *logging.Logger) Option {
	return func(o *options) { o.callLog = l }
}

// CallOption customizes one invocation.
type CallOption func(*callOptions)

type callOptions struct {
	customKey string
}

// WithCustomKey routes a queued call through a secondary client addressed
// under key. Ignored by HTTP transports.
func WithCustomKey(key string) CallOption {
	return func(o *callOptions) { o.customKey = key }
}
