package propagation

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type valuesKey struct{}

// WithValues returns a context carrying request-scoped values merged over
// any values already present in ctx.
func WithValues(ctx context.Context, values map[string]any) context.Context {
	current, _ := ctx.Value(valuesKey{}).(map[string]any)
	merged := make(map[string]any, len(current)+len(values))
	maps.Copy(merged, current)
	maps.Copy(merged, values)
	return context.WithValue(ctx, valuesKey{}, merged)
}

// ValuesFrom returns a copy of the request-scoped values in ctx.
func ValuesFrom(ctx context.Context) map[string]any {
	current, _ := ctx.Value(valuesKey{}).(map[string]any)
	if len(current) == 0 {
		return nil
	}
	return maps.Clone(current)
}

// Values provides the request-scoped values stored with WithValues, such as
// a correlation id.
type Values struct{}

func (Values) CurrentContext(ctx context.Context) map[string]any {
	return ValuesFrom(ctx)
}

// TraceContext provides the W3C trace context (traceparent, tracestate,
// baggage) of the span active in ctx, using the global otel propagator.
type TraceContext struct{}

func (TraceContext) CurrentContext(ctx context.Context) map[string]any {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	out := make(map[string]any, len(carrier))
	for k, v := range carrier {
		out[k] = v
	}
	return out
}

// Extract restores a propagated context header into ctx: the trace context is
// handed to the otel propagator and every value becomes visible to Values.
func Extract(ctx context.Context, header string) (context.Context, error) {
	values, err := FromHeader(header)
	if err != nil || len(values) == 0 {
		return ctx, err
	}
	carrier := propagation.MapCarrier{}
	for _, key := range []string{"traceparent", "tracestate", "baggage"} {
		if s, ok := values[key].(string); ok && s != "" {
			carrier[key] = s
		}
	}
	if len(carrier) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	}
	return WithValues(ctx, values), nil
}

// Default returns the providers a client uses unless configured otherwise.
func Default() []Provider {
	return []Provider{Values{}, TraceContext{}}
}
