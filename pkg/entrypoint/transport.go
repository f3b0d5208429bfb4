package entrypoint

import (
	"fmt"
	"strings"
)

// Transport selects how a client invokes entry points. It is fixed for the
// lifetime of a client.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportAsyncHTTP Transport = "async_http"
	TransportQueued    Transport = "queued"
)

var transportNames = map[string]Transport{
	"http":       TransportHTTP,
	"async_http": TransportAsyncHTTP,
	"asynchttp":  TransportAsyncHTTP,
	"asyncio":    TransportAsyncHTTP,
	"queued":     TransportQueued,
	"celery":     TransportQueued,
}

// ParseTransport resolves a transport name case-insensitively. The legacy
// names HTTP, ASYNCIO and CELERY are accepted.
func ParseTransport(s string) (Transport, error) {
	if t, ok := transportNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, s)
}

// Valid reports whether t names a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportHTTP, TransportAsyncHTTP, TransportQueued:
		return true
	}
	return false
}

func (t Transport) String() string { return string(t) }

// UnmarshalText lets config files spell transports like ParseTransport does.
func (t *Transport) UnmarshalText(text []byte) error {
	parsed, err := ParseTransport(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Transport) MarshalText() ([]byte, error) { return []byte(t), nil }
