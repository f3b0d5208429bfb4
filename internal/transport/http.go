package transport

import (
	"context"
	"net/http"
	"time"
)

// HTTP issues one blocking request per call.
type HTTP struct {
	client *http.Client
	codec  Codec
}

// NewHTTP creates a blocking HTTP transport. A nil client gets an
// instrumented default client with the given timeout.
func NewHTTP(client *http.Client, timeout time.Duration, codec Codec) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: instrument(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	return &HTTP{client: client, codec: codec}
}

// Do sends the call and returns the response untouched: non-2xx statuses
// are not errors, and transport errors are returned as the client reported
// them. The caller closes the response body.
func (h *HTTP) Do(ctx context.Context, call Call) (*http.Response, error) {
	req, err := h.codec.newRequest(call)
	if err != nil {
		return nil, err
	}
	return h.client.Do(req.WithContext(ctx))
}
