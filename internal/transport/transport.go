// Package transport implements the three ways an entry point call can
// travel: a blocking HTTP request, a non-blocking HTTP request awaited later,
// and a task published on a queue. All three encode arguments with the
// payload codec and carry the same headers; none of them reinterprets
// failures, so callers see the raw response or error.
package transport

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oriys/entrypoint/internal/payload"
)

// Call is one invocation as seen by a transport.
type Call struct {
	Target string      // URL for HTTP, entry point path for queued dispatch
	Method string      // lower-case method token: get, post, put, delete...
	Header http.Header // propagated headers, never mutated
	Args   map[string]any
}

// Codec holds the encoding settings shared by every transport.
type Codec struct {
	Compress bool
	Fallback payload.Fallback
}

func (c Codec) encode(args map[string]any) ([]byte, http.Header, error) {
	return payload.EncodeWith(args, c.Compress, c.Fallback)
}

// newRequest builds the HTTP request for call. With no arguments the request
// has neither a body nor a Content-Type.
func (c Codec) newRequest(call Call) (*http.Request, error) {
	body, contentHeader, err := c.encode(call.Args)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(strings.ToUpper(call.Method), call.Target, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range call.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range contentHeader {
		req.Header[k] = append([]string(nil), vs...)
	}
	return req, nil
}

// instrument wraps rt with client spans.
func instrument(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return otelhttp.NewTransport(rt)
}
