package entrypoint

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/entrypoint/internal/taskqueue"
	"github.com/oriys/entrypoint/internal/transport"
)

// Result is what one invocation produced. At most one field is set:
//
//   - Response for TransportHTTP; the caller closes its body
//   - Pending for TransportAsyncHTTP; await it to get the response
//   - Async for queued calls in async mode; a handle on the remote result
//   - Value for queued calls in sync mode; a private copy of the result
//
// A queued call that ignores its result returns an empty Result.
type Result struct {
	Response *http.Response
	Pending  *transport.Pending
	Async    *taskqueue.AsyncResult
	Value    json.RawMessage
}

// Empty reports whether the invocation produced nothing to inspect.
func (r *Result) Empty() bool {
	return r == nil || (r.Response == nil && r.Pending == nil && r.Async == nil && r.Value == nil)
}

// Decode unmarshals a queued sync value into v.
func (r *Result) Decode(v any) error {
	if r == nil || r.Value == nil {
		return nil
	}
	return json.Unmarshal(r.Value, v)
}
