package correlate

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/instantcocoa/weft/pkg/emit"
	"github.com/instantcocoa/weft/pkg/trace"
)

// metadataCarrier adapts gRPC metadata to the propagation carrier. gRPC
// metadata keys are already lower-case, matching the wire header names.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// UnaryServerInterceptor returns a gRPC interceptor applying the same
// correlation semantics as the HTTP middleware: extract, sample, start a
// server span named after the full method, capture escaping panics, and
// stop with the gRPC status code. The HTTP-specific filter and enrichment
// hooks do not apply to RPC spans.
func (c *Correlator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		md, _ := metadata.FromIncomingContext(ctx)
		remote, baggage := c.opts.propagator().Extract(metadataCarrier(md))
		ctx = trace.ContextWithBaggage(ctx, baggage)

		attrs := []trace.Attribute{trace.String(AttrRPCMethod, info.FullMethod)}
		ctx, scope := c.adoptOrStart(ctx, info.FullMethod, remote, baggage, attrs)

		c.emitter.Emit(emit.Event{
			Kind:       emit.EventStart,
			TraceID:    scope.span.Context().TraceID,
			SpanID:     scope.span.Context().SpanID,
			Name:       scope.span.Name(),
			BaggageLen: baggage.Len(),
		})

		defer func() {
			if rec := recover(); rec != nil {
				scope.RecordPanic(rec)
				scope.stopRPC(codes.Internal)
				panic(rec)
			}
		}()

		resp, err = handler(ctx, req)

		code := status.Code(err)
		if err != nil {
			scope.span.SetStatus(trace.StatusError, err.Error())
			scope.errored = true
		}
		scope.stopRPC(code)
		return resp, err
	}
}

// stopRPC is Stop for RPC spans: it tags the gRPC status code instead of
// an HTTP one.
func (s *RequestScope) stopRPC(code codes.Code) {
	if s == nil || s.span == nil || !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.span.SetAttribute(trace.Int(AttrRPCStatusCode, int(code)))

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
