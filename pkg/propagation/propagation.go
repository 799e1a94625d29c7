package propagation

import (
	"sync/atomic"

	"github.com/instantcocoa/weft/pkg/trace"
)

// Propagator decodes and encodes trace context and baggage on a carrier.
// Extract never fails the request: malformed or missing headers yield a
// zero SpanContext and the request becomes a new trace root. For
// well-formed input, Extract(Inject(x)) == x.
type Propagator interface {
	Extract(carrier Carrier) (trace.SpanContext, trace.Baggage)
	Inject(carrier Carrier, sc trace.SpanContext, baggage trace.Baggage)
	Fields() []string
}

// W3C implements the W3C trace-context and baggage header formats.
type W3C struct{}

// Extract reads traceparent, tracestate and baggage from the carrier.
// tracestate is only attached when the traceparent itself was valid.
func (W3C) Extract(carrier Carrier) (trace.SpanContext, trace.Baggage) {
	baggage := trace.ParseBaggage(carrier.Get(BaggageHeader))

	sc, err := ParseTraceparent(carrier.Get(TraceparentHeader))
	if err != nil {
		return trace.SpanContext{}, baggage
	}
	sc.TraceState = trace.ParseTraceState(carrier.Get(TracestateHeader))
	return sc, baggage
}

// Inject writes sc and baggage onto the carrier. Invalid contexts and
// empty baggage write nothing.
func (W3C) Inject(carrier Carrier, sc trace.SpanContext, baggage trace.Baggage) {
	if sc.IsValid() {
		carrier.Set(TraceparentHeader, FormatTraceparent(sc))
		if ts := sc.TraceState.String(); ts != "" {
			carrier.Set(TracestateHeader, ts)
		}
	}
	if baggage.Len() > 0 {
		carrier.Set(BaggageHeader, baggage.String())
	}
}

// Fields lists the header names this propagator reads and writes.
func (W3C) Fields() []string {
	return []string{TraceparentHeader, TracestateHeader, BaggageHeader}
}

// defaultPropagator is the process-wide default. It is a write-once cell:
// the first SetDefault before traffic wins, later calls are ignored so a
// replacement can never race live requests.
var defaultPropagator atomic.Pointer[Propagator]

// SetDefault installs the process-wide default propagator. Only the first
// call has any effect; it reports whether the propagator was installed.
func SetDefault(p Propagator) bool {
	if p == nil {
		return false
	}
	return defaultPropagator.CompareAndSwap(nil, &p)
}

// Default returns the process-wide default propagator, W3C if none was set.
func Default() Propagator {
	if p := defaultPropagator.Load(); p != nil {
		return *p
	}
	return W3C{}
}
