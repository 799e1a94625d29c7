package emit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/instantcocoa/weft/pkg/trace"
)

// Emitter fans lifecycle events out to subscribers and hands completed,
// sampled spans to the span processor. It is safe for concurrent use.
type Emitter struct {
	mu        sync.RWMutex
	subs      []Subscriber
	processor SpanProcessor
	logger    *slog.Logger
}

// New creates an emitter draining spans to processor. A nil processor
// means spans are discarded after event delivery.
func New(processor SpanProcessor, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		processor: processor,
		logger:    logger.With("component", "emit"),
	}
}

// Subscribe registers a lifecycle event subscriber.
func (e *Emitter) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, s)
}

// Emit delivers ev to every subscriber. A panicking subscriber is logged
// and skipped; it cannot affect the request or the export pipeline.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	for _, s := range subs {
		e.deliver(s, ev)
	}
}

func (e *Emitter) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("subscriber panicked", "kind", ev.Kind.String(), "panic", r)
		}
	}()
	s.OnEvent(ev)
}

// Export hands a completed span to the processor. Only sampled spans are
// exported; RecordOnly and Drop spans stop here.
func (e *Emitter) Export(snap trace.SpanSnapshot) {
	if !snap.Sampled || e.processor == nil {
		return
	}
	e.processor.OnEnd(snap)
}

// ForceFlush blocks until spans queued so far reach the sink.
func (e *Emitter) ForceFlush(ctx context.Context) error {
	if e.processor == nil {
		return nil
	}
	return e.processor.ForceFlush(ctx)
}

// Shutdown flushes and stops the export pipeline.
func (e *Emitter) Shutdown(ctx context.Context) error {
	if e.processor == nil {
		return nil
	}
	return e.processor.Shutdown(ctx)
}
