package trace

import "context"

type spanContextKey struct{}

type baggageContextKey struct{}

// ContextWithSpan returns a context carrying span as the current span.
// Exactly one span is current per logical execution context; nesting is
// expressed by deriving child contexts, never by shared mutable state.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the current span, or nil when none is set.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanContextKey{}).(*Span)
	return span
}

// ContextWithBaggage returns a context carrying the request-scoped baggage.
func ContextWithBaggage(ctx context.Context, b Baggage) context.Context {
	return context.WithValue(ctx, baggageContextKey{}, b)
}

// BaggageFromContext returns the baggage set on ctx, or an empty Baggage.
func BaggageFromContext(ctx context.Context) Baggage {
	b, _ := ctx.Value(baggageContextKey{}).(Baggage)
	return b
}
