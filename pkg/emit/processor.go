package emit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/instantcocoa/weft/pkg/trace"
)

// Exporter is the terminal sink for completed spans. Implementations must
// tolerate being called from the processor's own goroutine.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []trace.SpanSnapshot) error
	Shutdown(ctx context.Context) error
}

// SpanProcessor sits between span end and the exporter.
type SpanProcessor interface {
	OnEnd(snap trace.SpanSnapshot)
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SimpleProcessor exports each span synchronously as it ends. Intended for
// tests and debugging; production pipelines want the batch processor.
type SimpleProcessor struct {
	exporter Exporter
	logger   *slog.Logger
}

// NewSimpleProcessor creates a synchronous pass-through processor.
func NewSimpleProcessor(exporter Exporter, logger *slog.Logger) *SimpleProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimpleProcessor{exporter: exporter, logger: logger.With("component", "emit")}
}

// OnEnd exports the span immediately.
func (p *SimpleProcessor) OnEnd(snap trace.SpanSnapshot) {
	if err := p.exporter.ExportSpans(context.Background(), []trace.SpanSnapshot{snap}); err != nil {
		p.logger.Error("failed to export span", "trace_id", snap.TraceID.String(), "error", err)
	}
}

// ForceFlush is a no-op for the synchronous processor.
func (p *SimpleProcessor) ForceFlush(ctx context.Context) error { return nil }

// Shutdown shuts the exporter down.
func (p *SimpleProcessor) Shutdown(ctx context.Context) error {
	return p.exporter.Shutdown(ctx)
}

// BatchConfig tunes the batch processor.
type BatchConfig struct {
	// MaxQueueSize bounds the number of spans waiting to be batched.
	// Spans beyond the bound are dropped, never blocking a request.
	MaxQueueSize int
	// MaxBatchSize is the largest batch handed to the exporter.
	MaxBatchSize int
	// FlushInterval is the longest a span waits before export.
	FlushInterval time.Duration
	// ExportTimeout bounds each exporter call.
	ExportTimeout time.Duration
}

// DefaultBatchConfig returns sensible defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxQueueSize:  2048,
		MaxBatchSize:  512,
		FlushInterval: 5 * time.Second,
		ExportTimeout: 30 * time.Second,
	}
}

// BatchProcessor queues ended spans and exports them in batches on a
// background goroutine. Export is therefore asynchronous relative to the
// HTTP response: callers observing a sink must poll with a bounded
// timeout rather than assume synchronous visibility.
type BatchProcessor struct {
	exporter Exporter
	cfg      BatchConfig
	logger   *slog.Logger

	queue   chan trace.SpanSnapshot
	flushCh chan chan struct{}
	stopCh  chan struct{}

	stopOnce sync.Once
	done     sync.WaitGroup
}

// NewBatchProcessor creates and starts a batch processor.
func NewBatchProcessor(exporter Exporter, cfg BatchConfig, logger *slog.Logger) *BatchProcessor {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultBatchConfig().MaxQueueSize
	}
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > cfg.MaxQueueSize {
		cfg.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatchConfig().FlushInterval
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = DefaultBatchConfig().ExportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &BatchProcessor{
		exporter: exporter,
		cfg:      cfg,
		logger:   logger.With("component", "emit"),
		queue:    make(chan trace.SpanSnapshot, cfg.MaxQueueSize),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
	}
	p.done.Add(1)
	go p.run()
	return p
}

// OnEnd enqueues the span. When the queue is full the span is dropped so
// request handling is never blocked by a slow sink.
func (p *BatchProcessor) OnEnd(snap trace.SpanSnapshot) {
	select {
	case <-p.stopCh:
	case p.queue <- snap:
	default:
		p.logger.Warn("span queue full, dropping span", "trace_id", snap.TraceID.String())
	}
}

// ForceFlush blocks until spans enqueued before the call are exported, or
// ctx expires.
func (p *BatchProcessor) ForceFlush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.flushCh <- ack:
	case <-p.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the queue, exports the remainder and shuts the exporter
// down. Safe to call more than once.
func (p *BatchProcessor) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	waited := make(chan struct{})
	go func() {
		p.done.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.exporter.Shutdown(ctx)
}

func (p *BatchProcessor) run() {
	defer p.done.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]trace.SpanSnapshot, 0, p.cfg.MaxBatchSize)

	export := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
		defer cancel()
		if err := p.exporter.ExportSpans(ctx, batch); err != nil {
			p.logger.Error("failed to export batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	drain := func() {
		for {
			select {
			case snap := <-p.queue:
				batch = append(batch, snap)
				if len(batch) >= p.cfg.MaxBatchSize {
					export()
				}
			default:
				export()
				return
			}
		}
	}

	for {
		select {
		case snap := <-p.queue:
			batch = append(batch, snap)
			if len(batch) >= p.cfg.MaxBatchSize {
				export()
			}
		case <-ticker.C:
			export()
		case ack := <-p.flushCh:
			drain()
			close(ack)
		case <-p.stopCh:
			drain()
			return
		}
	}
}

var (
	_ SpanProcessor = (*SimpleProcessor)(nil)
	_ SpanProcessor = (*BatchProcessor)(nil)
	_ fmt.Stringer  = EventKind(0)
)
