package entrypoint

import "errors"

// ErrUnsupportedTransport is returned by Invoke when the client was
// configured with a transport it does not know.
var ErrUnsupportedTransport = errors.New("entrypoint: unsupported transport")
