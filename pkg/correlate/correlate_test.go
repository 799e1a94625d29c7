package correlate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/instantcocoa/weft/pkg/emit"
	"github.com/instantcocoa/weft/pkg/testutil"
	"github.com/instantcocoa/weft/pkg/trace"
)

const (
	remoteTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	remoteTraceID     = "4bf92f3577b34da6a3ce929d0e0e4736"
	remoteSpanID      = "00f067aa0ba902b7"
)

// eventRecorder collects lifecycle events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []emit.Event
}

func (r *eventRecorder) OnEvent(ev emit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []emit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]emit.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) byKind(kind emit.EventKind) []emit.Event {
	var out []emit.Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// newTestPipeline wires a correlator to a synchronous in-memory sink.
func newTestPipeline(t *testing.T, opts Options) (*Correlator, *emit.MemoryExporter, *eventRecorder) {
	t.Helper()

	exporter := emit.NewMemoryExporter()
	emitter := emit.New(emit.NewSimpleProcessor(exporter, testutil.TestLogger(t)), testutil.TestLogger(t))
	recorder := &eventRecorder{}
	emitter.Subscribe(recorder)

	if opts.Logger == nil {
		opts.Logger = testutil.TestLogger(t)
	}
	return New(emitter, opts), exporter, recorder
}

func serve(c *Correlator, handler http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c.Middleware(handler).ServeHTTP(w, r)
	return w
}

func TestMiddleware_PropagatesRemoteContext(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	r := httptest.NewRequest(http.MethodGet, "/orders", nil)
	r.Header.Set("traceparent", remoteTraceparent)

	var handlerSpan *trace.Span
	serve(c, func(w http.ResponseWriter, r *http.Request) {
		handlerSpan = trace.SpanFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}, r)

	if handlerSpan == nil {
		t.Fatal("handler saw no span on the request context")
	}

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.TraceID.String() != remoteTraceID {
		t.Errorf("TraceID = %s, want remote %s", span.TraceID, remoteTraceID)
	}
	if span.ParentSpanID.String() != remoteSpanID {
		t.Errorf("ParentSpanID = %s, want remote span %s", span.ParentSpanID, remoteSpanID)
	}
	if span.SpanID.String() == remoteSpanID {
		t.Error("new span reused the remote span id")
	}
	if span.Name != "GET" {
		t.Errorf("Name = %q, want GET", span.Name)
	}
	if v, _ := span.Attribute(AttrMethod); v != "GET" {
		t.Errorf("%s = %v, want GET", AttrMethod, v)
	}
	if span.HasAttribute(AttrMethodOriginal) {
		t.Errorf("%s recorded for a canonical verb", AttrMethodOriginal)
	}
	if v, _ := span.Attribute(AttrURLPath); v != "/orders" {
		t.Errorf("%s = %v, want /orders", AttrURLPath, v)
	}
	if v, _ := span.Attribute(AttrStatusCode); v != int64(http.StatusOK) {
		t.Errorf("%s = %v, want 200", AttrStatusCode, v)
	}
}

func TestMiddleware_MalformedTraceparentStartsNewRoot(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("traceparent", "garbage")

	serve(c, func(w http.ResponseWriter, r *http.Request) {}, r)

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if !spans[0].TraceID.IsValid() {
		t.Error("new root has an invalid trace id")
	}
	if spans[0].TraceID.String() == remoteTraceID {
		t.Error("malformed traceparent was honored")
	}
	if spans[0].ParentSpanID.IsValid() {
		t.Errorf("ParentSpanID = %s, want zero for a trace root", spans[0].ParentSpanID)
	}
}

func TestMiddleware_BaggageStableAcrossLifecycle(t *testing.T) {
	c, _, recorder := newTestPipeline(t, Options{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("traceparent", remoteTraceparent)
	r.Header.Set("baggage", "userId=alice,tier=gold")

	var seen trace.Baggage
	serve(c, func(w http.ResponseWriter, r *http.Request) {
		seen = trace.BaggageFromContext(r.Context())
	}, r)

	if seen.Len() != 2 {
		t.Errorf("handler baggage Len() = %d, want 2", seen.Len())
	}
	if v, _ := seen.Get("userId"); v != "alice" {
		t.Errorf("baggage userId = %q, want alice", v)
	}

	starts := recorder.byKind(emit.EventStart)
	stops := recorder.byKind(emit.EventStop)
	if len(starts) != 1 || len(stops) != 1 {
		t.Fatalf("events = %d start, %d stop, want 1 each", len(starts), len(stops))
	}
	if starts[0].BaggageLen != 2 || stops[0].BaggageLen != 2 {
		t.Errorf("BaggageLen = %d at start, %d at stop, want 2 at both", starts[0].BaggageLen, stops[0].BaggageLen)
	}
}

func TestMiddleware_EventOrder(t *testing.T) {
	c, _, recorder := newTestPipeline(t, Options{})

	serve(c, func(w http.ResponseWriter, r *http.Request) {}, httptest.NewRequest(http.MethodGet, "/", nil))

	events := recorder.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != emit.EventStart || events[1].Kind != emit.EventStop {
		t.Errorf("event order = %v, %v, want start, stop", events[0].Kind, events[1].Kind)
	}
	if events[0].SpanID != events[1].SpanID {
		t.Error("start and stop carry different span ids")
	}
}

func TestMiddleware_DropSuppressesRecordingAndHooks(t *testing.T) {
	filterCalls, enrichCalls := 0, 0
	c, exporter, recorder := newTestPipeline(t, Options{
		Sampler: trace.NeverSample(),
		Filter: func(r *http.Request) bool {
			filterCalls++
			return true
		},
		EnrichWithRequest: func(span *trace.Span, r *http.Request) {
			enrichCalls++
		},
	})

	serve(c, func(w http.ResponseWriter, r *http.Request) {}, httptest.NewRequest(http.MethodGet, "/", nil))

	if exporter.Len() != 0 {
		t.Errorf("exported %d spans for a dropped trace, want 0", exporter.Len())
	}
	if filterCalls != 0 {
		t.Errorf("filter ran %d times on a dropped trace, want 0", filterCalls)
	}
	if enrichCalls != 0 {
		t.Errorf("enrichment ran %d times on a dropped trace, want 0", enrichCalls)
	}
	if len(recorder.byKind(emit.EventStart)) != 1 || len(recorder.byKind(emit.EventStop)) != 1 {
		t.Error("lifecycle events missing; dropping a trace must not silence them")
	}
}

func TestMiddleware_SamplerHonorsRemoteUnsampledParent(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")

	serve(c, func(w http.ResponseWriter, r *http.Request) {}, r)

	if exporter.Len() != 0 {
		t.Errorf("exported %d spans with an unsampled remote parent, want 0", exporter.Len())
	}
}

func TestMiddleware_EnrichmentRunsOnce(t *testing.T) {
	requestCalls, responseCalls := 0, 0
	c, exporter, _ := newTestPipeline(t, Options{
		EnrichWithRequest: func(span *trace.Span, r *http.Request) {
			requestCalls++
			span.SetAttribute(trace.String("tenant", "acme"))
		},
		EnrichWithResponse: func(span *trace.Span, statusCode int, header http.Header) {
			responseCalls++
			span.SetAttribute(trace.String("response.kind", header.Get("Content-Type")))
		},
	})

	serve(c, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
	}, httptest.NewRequest(http.MethodPost, "/orders", nil))

	if requestCalls != 1 || responseCalls != 1 {
		t.Errorf("enrichment calls = %d request, %d response, want 1 each", requestCalls, responseCalls)
	}

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if v, _ := spans[0].Attribute("tenant"); v != "acme" {
		t.Errorf("tenant attribute = %v, want acme", v)
	}
	if v, _ := spans[0].Attribute("response.kind"); v != "application/json" {
		t.Errorf("response.kind attribute = %v, want application/json", v)
	}
}

func TestMiddleware_FilterFalseSuppressesExport(t *testing.T) {
	enrichCalls := 0
	c, exporter, recorder := newTestPipeline(t, Options{
		Filter: func(r *http.Request) bool { return false },
		EnrichWithRequest: func(span *trace.Span, r *http.Request) {
			enrichCalls++
		},
	})

	serve(c, func(w http.ResponseWriter, r *http.Request) {}, httptest.NewRequest(http.MethodGet, "/", nil))

	if exporter.Len() != 0 {
		t.Errorf("exported %d spans for a filtered request, want 0", exporter.Len())
	}
	if enrichCalls != 0 {
		t.Errorf("enrichment ran %d times for a filtered request, want 0", enrichCalls)
	}
	if len(recorder.byKind(emit.EventStart)) != 1 || len(recorder.byKind(emit.EventStop)) != 1 {
		t.Error("filtering suppressed lifecycle events")
	}
}

func TestMiddleware_FilterPanicFailsOpen(t *testing.T) {
	enrichCalls := 0
	c, exporter, recorder := newTestPipeline(t, Options{
		Filter: func(r *http.Request) bool { panic("broken filter") },
		EnrichWithRequest: func(span *trace.Span, r *http.Request) {
			enrichCalls++
		},
	})

	w := serve(c, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; a broken filter must not fail the request", w.Code)
	}
	if exporter.Len() != 1 {
		t.Errorf("exported %d spans, want 1; a broken filter must not suppress export", exporter.Len())
	}
	if enrichCalls != 1 {
		t.Errorf("enrichment calls = %d, want 1", enrichCalls)
	}

	diags := recorder.byKind(emit.EventDiagnostic)
	if len(diags) != 1 {
		t.Fatalf("got %d diagnostic events, want 1", len(diags))
	}
	if diags[0].Name != "filter.failure" {
		t.Errorf("diagnostic Name = %q, want filter.failure", diags[0].Name)
	}
}

func TestMiddleware_EnrichmentPanicAbsorbed(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{
		EnrichWithRequest: func(span *trace.Span, r *http.Request) { panic("broken enricher") },
	})

	w := serve(c, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if exporter.Len() != 1 {
		t.Errorf("exported %d spans, want 1", exporter.Len())
	}
}

func TestMiddleware_PanicCaptured(t *testing.T) {
	c, exporter, recorder := newTestPipeline(t, Options{RecordException: true})

	func() {
		defer func() {
			if recover() == nil {
				t.Error("middleware swallowed the panic, want re-raise")
			}
		}()
		serve(c, func(w http.ResponseWriter, r *http.Request) {
			panic("handler exploded")
		}, httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Status != trace.StatusError {
		t.Errorf("Status = %v, want error", span.Status)
	}
	var exceptionEvent *trace.Event
	for i := range span.Events {
		if span.Events[i].Name == "exception" {
			exceptionEvent = &span.Events[i]
		}
	}
	if exceptionEvent == nil {
		t.Fatal("no exception event on the span")
	}
	if v, _ := span.Attribute(AttrStatusCode); v != int64(http.StatusInternalServerError) {
		t.Errorf("%s = %v, want 500", AttrStatusCode, v)
	}
	if len(recorder.byKind(emit.EventException)) != 1 {
		t.Errorf("got %d exception events, want 1", len(recorder.byKind(emit.EventException)))
	}
}

func TestMiddleware_PanicWithoutRecordException(t *testing.T) {
	c, exporter, recorder := newTestPipeline(t, Options{RecordException: false})

	func() {
		defer func() { recover() }()
		serve(c, func(w http.ResponseWriter, r *http.Request) {
			panic("handler exploded")
		}, httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	for _, ev := range spans[0].Events {
		if ev.Name == "exception" {
			t.Error("exception recorded on the span despite RecordException=false")
		}
	}
	// The lifecycle exception event is not gated by RecordException.
	if len(recorder.byKind(emit.EventException)) != 1 {
		t.Errorf("got %d exception events, want 1", len(recorder.byKind(emit.EventException)))
	}
}

func TestMiddleware_InnerRecoveryNotCaptured(t *testing.T) {
	c, exporter, recorder := newTestPipeline(t, Options{RecordException: true})

	serve(c, func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				w.WriteHeader(http.StatusOK)
			}
		}()
		panic("recovered inside the handler")
	}, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(recorder.byKind(emit.EventException)) != 0 {
		t.Error("exception event fired for a panic that never escaped the handler")
	}
	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Status == trace.StatusError {
		t.Error("span marked errored for a panic that never escaped the handler")
	}
}

func TestMiddleware_ServerErrorStatus(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	serve(c, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, httptest.NewRequest(http.MethodGet, "/", nil))

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if spans[0].Status != trace.StatusError {
		t.Errorf("Status = %v for a 502 response, want error", spans[0].Status)
	}
}

func TestMiddleware_UnknownMethod(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	serve(c, func(w http.ResponseWriter, r *http.Request) {},
		httptest.NewRequest("CUSTOM", "/", nil))

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "HTTP" {
		t.Errorf("Name = %q, want HTTP", span.Name)
	}
	if v, _ := span.Attribute(AttrMethod); v != OtherMethod {
		t.Errorf("%s = %v, want %s", AttrMethod, v, OtherMethod)
	}
	if v, _ := span.Attribute(AttrMethodOriginal); v != "CUSTOM" {
		t.Errorf("%s = %v, want CUSTOM", AttrMethodOriginal, v)
	}
}

func TestMiddleware_CaseOnlyMethodKeepsOriginal(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	serve(c, func(w http.ResponseWriter, r *http.Request) {},
		httptest.NewRequest("Get", "/", nil))

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if v, _ := spans[0].Attribute(AttrMethod); v != "GET" {
		t.Errorf("%s = %v, want GET", AttrMethod, v)
	}
	if v, _ := spans[0].Attribute(AttrMethodOriginal); v != "Get" {
		t.Errorf("%s = %v, want Get", AttrMethodOriginal, v)
	}
	if spans[0].Name != "GET" {
		t.Errorf("Name = %q, want GET", spans[0].Name)
	}
}

func TestMiddleware_QueryRedaction(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	serve(c, func(w http.ResponseWriter, r *http.Request) {},
		httptest.NewRequest(http.MethodGet, "/search?q=secret&page=2", nil))

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if v, _ := spans[0].Attribute(AttrURLQuery); v != "q=Redacted&page=Redacted" {
		t.Errorf("%s = %v, want q=Redacted&page=Redacted", AttrURLQuery, v)
	}
}

func TestMiddleware_QueryRedactionDisabled(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{DisableQueryRedaction: true})

	serve(c, func(w http.ResponseWriter, r *http.Request) {},
		httptest.NewRequest(http.MethodGet, "/search?q=secret", nil))

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if v, _ := spans[0].Attribute(AttrURLQuery); v != "q=secret" {
		t.Errorf("%s = %v, want q=secret verbatim", AttrURLQuery, v)
	}
}

func TestCorrelator_AdoptsExistingSpan(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{})

	existing := trace.StartSpan(trace.SpanConfig{
		Context: trace.SpanContext{
			TraceID: trace.NewTraceID(),
			SpanID:  trace.NewSpanID(),
		},
		Name:     "outer",
		Kind:     trace.SpanKindServer,
		Decision: trace.RecordAndSample,
	})
	ctx := trace.ContextWithSpan(context.Background(), existing)

	r := httptest.NewRequest(http.MethodGet, "/nested", nil)
	_, scope := c.Start(ctx, r)

	if scope.Span() != existing {
		t.Fatal("correlator started a second span instead of adopting the current one")
	}
	if existing.Name() != "outer" {
		t.Errorf("adopted span renamed to %q, want outer", existing.Name())
	}
	if !existing.Snapshot().HasAttribute(AttrMethod) {
		t.Error("adopted span was not tagged with the request method")
	}

	scope.Stop(http.StatusOK, nil)
	if !existing.IsRecording() {
		t.Error("Stop ended a span the scope does not own")
	}
	if exporter.Len() != 0 {
		t.Errorf("exported %d spans, want 0; the owner ends the adopted span", exporter.Len())
	}
}

func TestRequestScope_StopIsIdempotent(t *testing.T) {
	c, exporter, recorder := newTestPipeline(t, Options{})

	_, scope := c.Start(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	scope.Stop(http.StatusOK, nil)
	scope.Stop(http.StatusTeapot, nil)

	if exporter.Len() != 1 {
		t.Errorf("exported %d spans, want 1", exporter.Len())
	}
	if len(recorder.byKind(emit.EventStop)) != 1 {
		t.Errorf("got %d stop events, want 1", len(recorder.byKind(emit.EventStop)))
	}
	if v, _ := exporter.Spans()[0].Attribute(AttrStatusCode); v != int64(http.StatusOK) {
		t.Errorf("%s = %v, want the first Stop's 200", AttrStatusCode, v)
	}
}

func TestMiddleware_UpgradeSpans(t *testing.T) {
	c, exporter, _ := newTestPipeline(t, Options{EnableUpgradeSpans: true})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	r.Header.Set("Sec-WebSocket-Protocol", "graphql-ws, chat")

	serve(c, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	}, r)

	spans := exporter.Spans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "graphql-ws" {
		t.Errorf("Name = %q, want negotiated sub-protocol graphql-ws", span.Name)
	}
	if v, _ := span.Attribute(AttrProtocolName); v != "websocket" {
		t.Errorf("%s = %v, want websocket", AttrProtocolName, v)
	}
	if v, _ := span.Attribute(AttrWebsocketProtocol); v != "graphql-ws" {
		t.Errorf("%s = %v, want graphql-ws", AttrWebsocketProtocol, v)
	}
}

func TestMiddleware_AsyncExportThroughBatchProcessor(t *testing.T) {
	exporter := emit.NewMemoryExporter()
	processor := emit.NewBatchProcessor(exporter, emit.BatchConfig{
		FlushInterval: 10 * time.Millisecond,
	}, testutil.TestLogger(t))
	emitter := emit.New(processor, testutil.TestLogger(t))
	c := New(emitter, Options{Logger: testutil.TestLogger(t)})

	serve(c, func(w http.ResponseWriter, r *http.Request) {},
		httptest.NewRequest(http.MethodGet, "/", nil))

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return exporter.Len() == 1
	}, "span reached the exporter")

	testutil.RequireNoError(t, processor.Shutdown(testutil.TestContext(t, time.Second)))
}
