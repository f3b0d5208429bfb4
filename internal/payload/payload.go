// Package payload encodes call arguments into the HTTP/task wire body.
//
// Arguments are serialized as UTF-8 JSON. Values that encoding/json cannot
// express are first normalized through an ordered fallback chain (see
// normalize). The resulting bytes may be gzip-compressed, in which case the
// Content-Encoding header is set accordingly.
package payload

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	ContentTypeJSON = "application/json"
	EncodingGzip    = "gzip"
)

// ErrUnsupportedType is returned when an argument cannot be serialized even
// after applying every fallback.
var ErrUnsupportedType = errors.New("payload: unsupported type")

// Fallback converts a value encoding/json cannot handle into one it can.
// It reports ok=false when it does not recognize the value.
type Fallback func(v any) (out any, ok bool)

// Encode serializes args to JSON and optionally gzips them. An empty args map
// yields a nil body and an empty header: transports must then send neither a
// body nor a Content-Type.
func Encode(args map[string]any, compress bool) ([]byte, http.Header, error) {
	return EncodeWith(args, compress, nil)
}

// EncodeWith is Encode with an extra fallback consulted before the built-in
// chain.
func EncodeWith(args map[string]any, compress bool, extra Fallback) ([]byte, http.Header, error) {
	header := http.Header{}
	if len(args) == 0 {
		return nil, header, nil
	}

	data, err := Marshal(args, extra)
	if err != nil {
		return nil, nil, err
	}
	header.Set("Content-Type", ContentTypeJSON)

	if !compress {
		return data, header, nil
	}
	gz, err := gzipBytes(data)
	if err != nil {
		return nil, nil, fmt.Errorf("gzip payload: %w", err)
	}
	header.Set("Content-Encoding", EncodingGzip)
	return gz, header, nil
}

// Marshal normalizes v through the fallback chain and encodes it as JSON.
func Marshal(v any, extra Fallback) ([]byte, error) {
	n := &normalizer{extra: extra}
	norm, err := n.normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		var ute *json.UnsupportedTypeError
		var uve *json.UnsupportedValueError
		if errors.As(err, &ute) || errors.As(err, &uve) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
		return nil, err
	}
	// json.Encoder appends a newline that is not part of the document.
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Decode reverses Encode: it gunzips the body when the header says so and
// unmarshals the JSON document into v.
func Decode(body []byte, header http.Header, v any) error {
	if len(body) == 0 {
		return nil
	}
	if header != nil && header.Get("Content-Encoding") == EncodingGzip {
		raw, err := Gunzip(body)
		if err != nil {
			return err
		}
		body = raw
	}
	return json.Unmarshal(body, v)
}

// Gunzip decompresses a gzip container.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	return out, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
