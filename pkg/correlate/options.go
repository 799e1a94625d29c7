package correlate

import (
	"log/slog"
	"net/http"

	"github.com/instantcocoa/weft/pkg/propagation"
	"github.com/instantcocoa/weft/pkg/trace"
)

// Span tag keys recorded by the correlator.
const (
	AttrMethod              = "http.request.method"
	AttrMethodOriginal      = "http.request.method_original"
	AttrStatusCode          = "http.response.status_code"
	AttrURLPath             = "url.path"
	AttrURLQuery            = "url.query"
	AttrExceptionType       = "exception.type"
	AttrExceptionMessage    = "exception.message"
	AttrExceptionStacktrace = "exception.stacktrace"
	AttrProtocolName        = "network.protocol.name"
	AttrWebsocketProtocol   = "websocket.subprotocol"
	AttrRPCMethod           = "rpc.method"
	AttrRPCStatusCode       = "rpc.grpc.status_code"
)

// Options configures a Correlator. Every hook field is independently
// optional; each is wrapped with fail-open panic handling at the call
// site, so a broken callback can never fail a request.
type Options struct {
	// Propagator decodes inbound trace headers. Nil uses the process-wide
	// default (see propagation.SetDefault), which must be configured
	// before traffic starts.
	Propagator propagation.Propagator

	// Sampler gates recording and export per trace root. Nil means
	// ParentBased(AlwaysSample). The sampler runs on every request,
	// before and independent of Filter.
	Sampler trace.Sampler

	// Filter decides whether a request's span is exported. Returning
	// false suppresses export and enrichment; extraction, sampling and
	// baggage propagation are unaffected. A panicking filter is treated
	// as absent (fail-open) and recorded as a diagnostic event.
	Filter func(r *http.Request) bool

	// EnrichWithRequest may add tags to the request span at start. It
	// runs at most once, and only when the sampling decision records.
	EnrichWithRequest func(span *trace.Span, r *http.Request)

	// EnrichWithResponse may add tags at stop, under the same conditions.
	EnrichWithResponse func(span *trace.Span, statusCode int, header http.Header)

	// RecordException captures an escaping panic as a span event and
	// sets the span status to error.
	RecordException bool

	// DisableQueryRedaction records query strings verbatim instead of
	// replacing parameter values with "Redacted".
	DisableQueryRedaction bool

	// EnableUpgradeSpans tags websocket-upgrade requests with their
	// negotiated sub-protocol and names the span after it.
	EnableUpgradeSpans bool

	// Logger for adapter diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

func (o Options) propagator() propagation.Propagator {
	if o.Propagator != nil {
		return o.Propagator
	}
	return propagation.Default()
}

func (o Options) sampler() trace.Sampler {
	if o.Sampler != nil {
		return o.Sampler
	}
	return trace.ParentBased(trace.AlwaysSample())
}
