package trace

import (
	"sync"
	"time"
)

// SpanKind describes the relationship between a span and its trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// String returns the kind name.
func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return "internal"
	}
}

// StatusCode is the outcome recorded on a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// String returns the status name.
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Attribute is a single span tag. Duplicate keys are allowed and order is
// preserved, so attributes form an ordered multimap.
type Attribute struct {
	Key   string
	Value any
}

// String constructs a string attribute.
func String(key, value string) Attribute { return Attribute{Key: key, Value: value} }

// Int constructs an integer attribute.
func Int(key string, value int) Attribute { return Attribute{Key: key, Value: int64(value)} }

// Bool constructs a boolean attribute.
func Bool(key string, value bool) Attribute { return Attribute{Key: key, Value: value} }

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string
	Time       time.Time
	Attributes []Attribute
}

// SpanConfig carries everything needed to start a span.
type SpanConfig struct {
	Context      SpanContext
	ParentSpanID SpanID
	Name         string
	Kind         SpanKind
	StartTime    time.Time
	Decision     Decision

	// OnEnd receives the immutable snapshot produced by End. It is called
	// at most once, on the goroutine that ends the span.
	OnEnd func(SpanSnapshot)
}

// Span is a live, mutable unit of work. It is safe for concurrent use.
// Identity (trace id, span id, parent) is fixed at start and cannot be
// changed through any method.
type Span struct {
	mu       sync.Mutex
	sc       SpanContext
	parent   SpanID
	name     string
	kind     SpanKind
	start    time.Time
	end      time.Time
	status   StatusCode
	message  string
	attrs    []Attribute
	events   []Event
	decision Decision
	ended    bool
	onEnd    func(SpanSnapshot)
}

// StartSpan creates a live span from cfg. A zero StartTime means now.
func StartSpan(cfg SpanConfig) *Span {
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	return &Span{
		sc:       cfg.Context,
		parent:   cfg.ParentSpanID,
		name:     cfg.Name,
		kind:     cfg.Kind,
		start:    start,
		decision: cfg.Decision,
		onEnd:    cfg.OnEnd,
	}
}

// Context returns the span's identity.
func (s *Span) Context() SpanContext {
	return s.sc
}

// ParentSpanID returns the parent span ID, zero for a trace root.
func (s *Span) ParentSpanID() SpanID {
	return s.parent
}

// Kind returns the span kind.
func (s *Span) Kind() SpanKind {
	return s.kind
}

// Name returns the current display name.
func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName renames the span. No-op after End.
func (s *Span) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.name = name
}

// IsRecording reports whether mutations are still being captured.
func (s *Span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.ended && s.decision != Drop
}

// SetAttribute appends a tag. Recording spans only.
func (s *Span) SetAttribute(attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.decision == Drop {
		return
	}
	s.attrs = append(s.attrs, attrs...)
}

// AddEvent appends a timestamped event. Recording spans only.
func (s *Span) AddEvent(name string, attrs ...Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.decision == Drop {
		return
	}
	s.events = append(s.events, Event{Name: name, Time: time.Now(), Attributes: attrs})
}

// SetStatus records the span outcome. Error status carries a message.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.status = code
	if code == StatusError {
		s.message = message
	} else {
		s.message = ""
	}
}

// End stops the span and hands the snapshot to the OnEnd callback. Second
// and later calls are no-ops, so an abort path and a normal path may race
// to end the same span safely.
func (s *Span) End() {
	s.EndWithTimestamp(time.Now())
}

// EndWithTimestamp is End with an explicit end time.
func (s *Span) EndWithTimestamp(at time.Time) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.end = at
	snap := s.snapshotLocked()
	onEnd := s.onEnd
	s.onEnd = nil
	s.mu.Unlock()

	if onEnd != nil {
		onEnd(snap)
	}
}

// Snapshot returns the span's current state as an immutable value.
func (s *Span) Snapshot() SpanSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Span) snapshotLocked() SpanSnapshot {
	snap := SpanSnapshot{
		TraceID:       s.sc.TraceID,
		SpanID:        s.sc.SpanID,
		ParentSpanID:  s.parent,
		TraceState:    s.sc.TraceState,
		Name:          s.name,
		Kind:          s.kind,
		StartTime:     s.start,
		EndTime:       s.end,
		Status:        s.status,
		StatusMessage: s.message,
		Sampled:       s.decision == RecordAndSample,
	}
	snap.Attributes = make([]Attribute, len(s.attrs))
	copy(snap.Attributes, s.attrs)
	snap.Events = make([]Event, len(s.events))
	copy(snap.Events, s.events)
	return snap
}

// SpanSnapshot is the completed, export-ready form of a span. Once a
// snapshot leaves the emitter for a sink, nothing in this package retains
// a reference to it.
type SpanSnapshot struct {
	TraceID       TraceID
	SpanID        SpanID
	ParentSpanID  SpanID
	TraceState    TraceState
	Name          string
	Kind          SpanKind
	StartTime     time.Time
	EndTime       time.Time
	Status        StatusCode
	StatusMessage string
	Attributes    []Attribute
	Events        []Event
	Sampled       bool
}

// Attribute returns the last value recorded for key and whether it exists.
func (s SpanSnapshot) Attribute(key string) (any, bool) {
	for i := len(s.Attributes) - 1; i >= 0; i-- {
		if s.Attributes[i].Key == key {
			return s.Attributes[i].Value, true
		}
	}
	return nil, false
}

// HasAttribute reports whether any value was recorded for key.
func (s SpanSnapshot) HasAttribute(key string) bool {
	_, ok := s.Attribute(key)
	return ok
}
