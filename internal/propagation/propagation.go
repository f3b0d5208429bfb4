// Package propagation collects ambient request-scoped context and carries it
// across a transport boundary in a single JSON header.
package propagation

import (
	"context"
	"encoding/json"
	"maps"
)

// HeaderName is the header (and task metadata key) carrying the merged context.
const HeaderName = "Entrypoint-Context"

// Provider yields the current request-scoped context. A provider with nothing
// to contribute returns nil or an empty map.
type Provider interface {
	CurrentContext(ctx context.Context) map[string]any
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) map[string]any

func (f ProviderFunc) CurrentContext(ctx context.Context) map[string]any { return f(ctx) }

// Noop contributes nothing. It stands in for a provider that is not
// configured in this process.
type Noop struct{}

func (Noop) CurrentContext(context.Context) map[string]any { return nil }

// Collect merges the providers' contexts in order; later providers overwrite
// overlapping keys. Nil providers are skipped.
func Collect(ctx context.Context, providers ...Provider) map[string]any {
	merged := map[string]any{}
	for _, p := range providers {
		if p == nil {
			continue
		}
		maps.Copy(merged, p.CurrentContext(ctx))
	}
	return merged
}

// Header returns the JSON-encoded merged context and whether there is any.
func Header(ctx context.Context, providers ...Provider) (string, bool, error) {
	merged := Collect(ctx, providers...)
	if len(merged) == 0 {
		return "", false, nil
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// FromHeader decodes a header produced by Header.
func FromHeader(value string) (map[string]any, error) {
	if value == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, err
	}
	return out, nil
}
