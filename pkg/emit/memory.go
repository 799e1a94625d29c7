package emit

import (
	"context"
	"sync"

	"github.com/instantcocoa/weft/pkg/trace"
)

// MemoryExporter collects exported spans in memory. Used in tests, which
// poll it with a bounded timeout because export is asynchronous.
type MemoryExporter struct {
	mu    sync.Mutex
	spans []trace.SpanSnapshot
}

// NewMemoryExporter creates an empty in-memory exporter.
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

// ExportSpans appends the batch.
func (e *MemoryExporter) ExportSpans(ctx context.Context, spans []trace.SpanSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	return nil
}

// Shutdown is a no-op.
func (e *MemoryExporter) Shutdown(ctx context.Context) error { return nil }

// Spans returns a copy of everything exported so far.
func (e *MemoryExporter) Spans() []trace.SpanSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]trace.SpanSnapshot, len(e.spans))
	copy(out, e.spans)
	return out
}

// Len returns the number of exported spans.
func (e *MemoryExporter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.spans)
}

// Reset clears collected spans.
func (e *MemoryExporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
}

var _ Exporter = (*MemoryExporter)(nil)
