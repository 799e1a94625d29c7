package trace

import (
	"encoding/binary"
	"fmt"
)

// Decision is the outcome of a sampling gate.
type Decision int

const (
	// Drop suppresses recording and export. Extraction and context
	// propagation still happen for dropped requests.
	Drop Decision = iota
	// RecordOnly records the span locally but does not export it.
	RecordOnly
	// RecordAndSample records and exports the span.
	RecordAndSample
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case RecordOnly:
		return "record_only"
	case RecordAndSample:
		return "record_and_sample"
	default:
		return "drop"
	}
}

// SamplingResult is the gate outcome plus optional attributes to merge
// into the root span.
type SamplingResult struct {
	Decision   Decision
	Attributes []Attribute
}

// SamplingParameters describe the would-be root span. The gate runs exactly
// once per logical trace root, before the span is constructed and before
// any filter hook.
type SamplingParameters struct {
	TraceID    TraceID
	Parent     SpanContext
	Name       string
	Kind       SpanKind
	Attributes []Attribute
}

// Sampler decides, per trace root, whether a request is recorded and
// exported.
type Sampler interface {
	ShouldSample(p SamplingParameters) SamplingResult
	Description() string
}

type alwaysSample struct{}

func (alwaysSample) ShouldSample(SamplingParameters) SamplingResult {
	return SamplingResult{Decision: RecordAndSample}
}

func (alwaysSample) Description() string { return "AlwaysSample" }

// AlwaysSample records and exports every trace.
func AlwaysSample() Sampler { return alwaysSample{} }

type neverSample struct{}

func (neverSample) ShouldSample(SamplingParameters) SamplingResult {
	return SamplingResult{Decision: Drop}
}

func (neverSample) Description() string { return "NeverSample" }

// NeverSample drops every trace.
func NeverSample() Sampler { return neverSample{} }

type traceIDRatio struct {
	fraction float64
	bound    uint64
}

// TraceIDRatio samples the given fraction of traces, deterministically in
// the trace ID so every participant in a trace agrees on the decision.
func TraceIDRatio(fraction float64) Sampler {
	if fraction >= 1 {
		return AlwaysSample()
	}
	if fraction <= 0 {
		fraction = 0
	}
	return traceIDRatio{
		fraction: fraction,
		bound:    uint64(fraction * (1 << 63)),
	}
}

func (s traceIDRatio) ShouldSample(p SamplingParameters) SamplingResult {
	x := binary.BigEndian.Uint64(p.TraceID[8:16]) >> 1
	if x < s.bound {
		return SamplingResult{Decision: RecordAndSample}
	}
	return SamplingResult{Decision: Drop}
}

func (s traceIDRatio) Description() string {
	return fmt.Sprintf("TraceIDRatio{%g}", s.fraction)
}

type parentBased struct {
	root Sampler
}

// ParentBased honors a remote parent's sampled flag and falls back to the
// root sampler for new traces.
func ParentBased(root Sampler) Sampler {
	if root == nil {
		root = AlwaysSample()
	}
	return parentBased{root: root}
}

func (s parentBased) ShouldSample(p SamplingParameters) SamplingResult {
	if p.Parent.IsValid() {
		if p.Parent.IsSampled() {
			return SamplingResult{Decision: RecordAndSample}
		}
		return SamplingResult{Decision: Drop}
	}
	return s.root.ShouldSample(p)
}

func (s parentBased) Description() string {
	return fmt.Sprintf("ParentBased{%s}", s.root.Description())
}
