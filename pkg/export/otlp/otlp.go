// Package otlp bridges completed weft spans onto the OpenTelemetry SDK so
// they can be shipped to any OTLP/gRPC collector. Each snapshot is
// replayed through an SDK tracer with its original identity, timestamps,
// attributes, events and status.
package otlp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/instantcocoa/weft/pkg/emit"
	"github.com/instantcocoa/weft/pkg/trace"
)

// Config holds collector connection and resource identity settings.
type Config struct {
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	BatchTimeout   time.Duration
}

// Exporter replays span snapshots through an OpenTelemetry tracer backed
// by an OTLP/gRPC exporter.
type Exporter struct {
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
}

// New connects to the collector and builds the replay pipeline.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("weft-otlp-bridge")),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
		),
		sdktrace.WithResource(res),
		// Sampling already happened in the correlation gate; everything
		// reaching the bridge is exported.
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithIDGenerator(replayIDGenerator{}),
	)

	return &Exporter{
		tp:     tp,
		tracer: tp.Tracer("github.com/instantcocoa/weft"),
	}, nil
}

// ExportSpans replays the batch onto the SDK pipeline.
func (e *Exporter) ExportSpans(ctx context.Context, spans []trace.SpanSnapshot) error {
	for _, snap := range spans {
		e.replay(ctx, snap)
	}
	return nil
}

// Shutdown flushes and stops the SDK pipeline.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.tp.Shutdown(ctx)
}

func (e *Exporter) replay(ctx context.Context, snap trace.SpanSnapshot) {
	if snap.ParentSpanID.IsValid() {
		parent := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    oteltrace.TraceID(snap.TraceID),
			SpanID:     oteltrace.SpanID(snap.ParentSpanID),
			TraceFlags: oteltrace.FlagsSampled,
			Remote:     true,
			TraceState: parseTraceState(snap.TraceState),
		})
		ctx = oteltrace.ContextWithSpanContext(ctx, parent)
	}
	ctx = withReplayIDs(ctx, snap.TraceID, snap.SpanID)

	_, span := e.tracer.Start(ctx, snap.Name,
		oteltrace.WithTimestamp(snap.StartTime),
		oteltrace.WithSpanKind(spanKind(snap.Kind)),
	)

	for _, attr := range snap.Attributes {
		span.SetAttributes(keyValue(attr))
	}
	for _, ev := range snap.Events {
		attrs := make([]attribute.KeyValue, 0, len(ev.Attributes))
		for _, attr := range ev.Attributes {
			attrs = append(attrs, keyValue(attr))
		}
		span.AddEvent(ev.Name,
			oteltrace.WithTimestamp(ev.Time),
			oteltrace.WithAttributes(attrs...),
		)
	}

	switch snap.Status {
	case trace.StatusOK:
		span.SetStatus(codes.Ok, "")
	case trace.StatusError:
		span.SetStatus(codes.Error, snap.StatusMessage)
	}

	span.End(oteltrace.WithTimestamp(snap.EndTime))
}

func parseTraceState(ts trace.TraceState) oteltrace.TraceState {
	parsed, err := oteltrace.ParseTraceState(ts.String())
	if err != nil {
		return oteltrace.TraceState{}
	}
	return parsed
}

func spanKind(k trace.SpanKind) oteltrace.SpanKind {
	switch k {
	case trace.SpanKindServer:
		return oteltrace.SpanKindServer
	case trace.SpanKindClient:
		return oteltrace.SpanKindClient
	case trace.SpanKindProducer:
		return oteltrace.SpanKindProducer
	case trace.SpanKindConsumer:
		return oteltrace.SpanKindConsumer
	default:
		return oteltrace.SpanKindInternal
	}
}

func keyValue(attr trace.Attribute) attribute.KeyValue {
	key := attribute.Key(attr.Key)
	switch v := attr.Value.(type) {
	case string:
		return key.String(v)
	case bool:
		return key.Bool(v)
	case int:
		return key.Int(v)
	case int64:
		return key.Int64(v)
	case float64:
		return key.Float64(v)
	default:
		return key.String(fmt.Sprint(v))
	}
}

// replayIDGenerator makes the SDK reuse the original trace and span IDs,
// carried on the context, instead of minting new ones.
type replayIDGenerator struct{}

type replayIDKey struct{}

type replayIDs struct {
	traceID oteltrace.TraceID
	spanID  oteltrace.SpanID
}

func withReplayIDs(ctx context.Context, traceID trace.TraceID, spanID trace.SpanID) context.Context {
	return context.WithValue(ctx, replayIDKey{}, replayIDs{
		traceID: oteltrace.TraceID(traceID),
		spanID:  oteltrace.SpanID(spanID),
	})
}

func (replayIDGenerator) NewIDs(ctx context.Context) (oteltrace.TraceID, oteltrace.SpanID) {
	if ids, ok := ctx.Value(replayIDKey{}).(replayIDs); ok {
		return ids.traceID, ids.spanID
	}
	return randomIDs()
}

func (replayIDGenerator) NewSpanID(ctx context.Context, _ oteltrace.TraceID) oteltrace.SpanID {
	if ids, ok := ctx.Value(replayIDKey{}).(replayIDs); ok {
		return ids.spanID
	}
	_, spanID := randomIDs()
	return spanID
}

func randomIDs() (oteltrace.TraceID, oteltrace.SpanID) {
	u := uuid.New()
	var spanID oteltrace.SpanID
	copy(spanID[:], u[:8])
	return oteltrace.TraceID(u), spanID
}

var _ emit.Exporter = (*Exporter)(nil)
