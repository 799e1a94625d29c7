// Package correlate is the request-correlation engine: it extracts trace
// context and baggage from inbound requests, gates them through a sampler,
// creates or adopts the request-scoped span, runs the optional filter and
// enrichment hooks, and emits ordered lifecycle events.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/instantcocoa/weft/pkg/emit"
	"github.com/instantcocoa/weft/pkg/propagation"
	"github.com/instantcocoa/weft/pkg/trace"
)

// Correlator binds the propagator, sampler, hooks and emitter into one
// request-correlation pipeline. It is safe for concurrent use; all
// per-request state lives on the context and the RequestScope.
type Correlator struct {
	opts    Options
	emitter *emit.Emitter
	logger  *slog.Logger
}

// New creates a Correlator emitting through emitter.
func New(emitter *emit.Emitter, opts Options) *Correlator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		opts:    opts,
		emitter: emitter,
		logger:  logger.With("component", "correlate"),
	}
}

// RequestScope tracks one request's correlation state between Start and
// Stop. It is owned by the goroutine handling the request.
type RequestScope struct {
	c        *Correlator
	span     *trace.Span
	owns     bool
	decision trace.Decision
	filtered bool
	errored  bool
	baggage  trace.Baggage
	stopped  atomic.Bool
}

// Span returns the request-scoped span.
func (s *RequestScope) Span() *trace.Span {
	return s.span
}

// Baggage returns the baggage extracted at start. Span lifecycle never
// mutates it; the entry count observed at stop equals the one at start.
func (s *RequestScope) Baggage() trace.Baggage {
	return s.baggage
}

func (s *RequestScope) recording() bool {
	return s.decision != trace.Drop
}

// Start extracts trace context and baggage from r, decides sampling, and
// creates the request-scoped server span. Extraction and sampling always
// run, irrespective of any configured filter. If a current span already
// exists on ctx the correlator adopts it: it tags the span but never
// renames it and never ends it.
func (c *Correlator) Start(ctx context.Context, r *http.Request) (context.Context, *RequestScope) {
	remote, baggage := c.opts.propagator().Extract(propagation.HeaderCarrier(r.Header))
	ctx = trace.ContextWithBaggage(ctx, baggage)

	canonical, original := normalizeMethod(r.Method)
	name := displayName(canonical)

	attrs := []trace.Attribute{trace.String(AttrMethod, canonical)}
	if original != "" {
		attrs = append(attrs, trace.String(AttrMethodOriginal, original))
	}
	attrs = append(attrs, trace.String(AttrURLPath, r.URL.Path))
	if q := r.URL.RawQuery; q != "" {
		if c.opts.DisableQueryRedaction {
			attrs = append(attrs, trace.String(AttrURLQuery, q))
		} else {
			attrs = append(attrs, trace.String(AttrURLQuery, redactQuery(q)))
		}
	}
	if c.opts.EnableUpgradeSpans && isWebsocketUpgrade(r) {
		attrs = append(attrs, trace.String(AttrProtocolName, "websocket"))
		if proto := negotiatedSubprotocol(r.Header); proto != "" {
			attrs = append(attrs, trace.String(AttrWebsocketProtocol, proto))
			name = proto
		}
	}

	ctx, scope := c.adoptOrStart(ctx, name, remote, baggage, attrs)

	if scope.recording() && c.opts.Filter != nil {
		keep, failed := c.runFilter(r)
		switch {
		case failed:
			// Fail-open: the request proceeds exactly as if no filter
			// were configured, and the span is still exported.
			c.emitter.Emit(emit.Event{
				Kind:       emit.EventDiagnostic,
				TraceID:    scope.span.Context().TraceID,
				SpanID:     scope.span.Context().SpanID,
				Name:       "filter.failure",
				BaggageLen: baggage.Len(),
			})
		case !keep:
			scope.filtered = true
		}
	}

	if scope.recording() && !scope.filtered && c.opts.EnrichWithRequest != nil {
		c.runEnrich("request", func() {
			c.opts.EnrichWithRequest(scope.span, r)
		})
	}

	c.emitter.Emit(emit.Event{
		Kind:       emit.EventStart,
		TraceID:    scope.span.Context().TraceID,
		SpanID:     scope.span.Context().SpanID,
		Name:       scope.span.Name(),
		BaggageLen: baggage.Len(),
	})

	return ctx, scope
}

// adoptOrStart either adopts the current span already on ctx or starts a
// fresh request-scoped server span correlated with the remote context.
func (c *Correlator) adoptOrStart(ctx context.Context, name string, remote trace.SpanContext, baggage trace.Baggage, attrs []trace.Attribute) (context.Context, *RequestScope) {
	scope := &RequestScope{c: c, baggage: baggage}

	if existing := trace.SpanFromContext(ctx); existing != nil {
		// Ownership of the current span belongs to whichever layer
		// started it first. Read it and tag it; do not rename it, do
		// not start a second request span, do not re-run the sampler.
		scope.span = existing
		scope.owns = false
		if existing.IsRecording() {
			scope.decision = trace.RecordAndSample
		}
		existing.SetAttribute(attrs...)
		return ctx, scope
	}

	traceID := remote.TraceID
	parentSpanID := remote.SpanID
	if !remote.IsValid() {
		traceID = trace.NewTraceID()
		parentSpanID = trace.SpanID{}
	}

	result := c.opts.sampler().ShouldSample(trace.SamplingParameters{
		TraceID:    traceID,
		Parent:     remote,
		Name:       name,
		Kind:       trace.SpanKindServer,
		Attributes: attrs,
	})
	scope.decision = result.Decision

	span := trace.StartSpan(trace.SpanConfig{
		Context: trace.SpanContext{
			TraceID:    traceID,
			SpanID:     trace.NewSpanID(),
			TraceFlags: remote.TraceFlags.WithSampled(result.Decision == trace.RecordAndSample),
			TraceState: remote.TraceState,
		},
		ParentSpanID: parentSpanID,
		Name:         name,
		Kind:         trace.SpanKindServer,
		Decision:     result.Decision,
		OnEnd: func(snap trace.SpanSnapshot) {
			if scope.filtered {
				return
			}
			c.emitter.Export(snap)
		},
	})
	span.SetAttribute(attrs...)
	span.SetAttribute(result.Attributes...)
	scope.span = span
	scope.owns = true
	return trace.ContextWithSpan(ctx, span), scope
}

// RecordPanic captures an exception that escaped the handler. It fires
// only for escapes: a panic recovered by inner middleware never reaches
// the correlator and records nothing. The span event and error status are
// gated by Options.RecordException; the lifecycle event is not.
func (s *RequestScope) RecordPanic(recovered any) {
	if s == nil || s.span == nil || s.stopped.Load() {
		return
	}

	message := fmt.Sprint(recovered)
	if s.c.opts.RecordException {
		s.span.AddEvent("exception",
			trace.String(AttrExceptionType, fmt.Sprintf("%T", recovered)),
			trace.String(AttrExceptionMessage, message),
			trace.String(AttrExceptionStacktrace, string(debug.Stack())),
		)
		s.span.SetStatus(trace.StatusError, message)
		s.errored = true
	}

	s.c.emitter.Emit(emit.Event{
		Kind:       emit.EventException,
		TraceID:    s.span.Context().TraceID,
		SpanID:     s.span.Context().SpanID,
		Name:       s.span.Name(),
		Attributes: []trace.Attribute{trace.String(AttrExceptionMessage, message)},
		BaggageLen: s.baggage.Len(),
	})
}

// Stop tags the response outcome, runs the stop enrichment hook, emits the
// stop event and ends the span if this scope owns it. Idempotent, so an
// abort path and a normal path may both call it.
func (s *RequestScope) Stop(statusCode int, header http.Header) {
	if s == nil || s.span == nil || !s.stopped.CompareAndSwap(false, true) {
		return
	}

	if statusCode > 0 {
		s.span.SetAttribute(trace.Int(AttrStatusCode, statusCode))
		if statusCode >= 500 && !s.errored {
			s.span.SetStatus(trace.StatusError, http.StatusText(statusCode))
		}
	}

	if s.recording() && !s.filtered && s.c.opts.EnrichWithResponse != nil {
		s.c.runEnrich("response", func() {
			s.c.opts.EnrichWithResponse(s.span, statusCode, header)
		})
	}

	s.c.emitter.Emit(emit.Event{
		Kind:       emit.EventStop,
		TraceID:    s.span.Context().TraceID,
		SpanID:     s.span.Context().SpanID,
		Name:       s.span.Name(),
		BaggageLen: s.baggage.Len(),
	})

	if s.owns {
		s.span.End()
	}
}

// runFilter invokes the filter hook with fail-open panic handling.
func (c *Correlator) runFilter(r *http.Request) (keep, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			keep = true
			failed = true
			c.logger.Error("filter hook panicked", "panic", rec)
		}
	}()
	return c.opts.Filter(r), false
}

// runEnrich invokes an enrichment hook with fail-open panic handling.
func (c *Correlator) runEnrich(stage string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("enrichment hook panicked", "stage", stage, "panic", rec)
		}
	}()
	fn()
}

func isWebsocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

func negotiatedSubprotocol(h http.Header) string {
	protocols := h.Get("Sec-WebSocket-Protocol")
	if protocols == "" {
		return ""
	}
	first, _, _ := strings.Cut(protocols, ",")
	return strings.TrimSpace(first)
}
