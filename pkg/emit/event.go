// Package emit delivers ordered request lifecycle events to subscribers
// and drains completed spans to an export sink. Event delivery and span
// export are independent: a request with no subscribers still exports.
package emit

import (
	"time"

	"github.com/instantcocoa/weft/pkg/trace"
)

// EventKind is the closed set of lifecycle event kinds. Dispatch on the
// kind value, never on a name string.
type EventKind int

const (
	// EventStart fires when the request-scoped span starts.
	EventStart EventKind = iota
	// EventException fires at most once, only for an exception that
	// escaped the handler without being intercepted earlier.
	EventException
	// EventStop fires when the request-scoped span ends.
	EventStop
	// EventDiagnostic records an adapter-internal failure, such as a
	// filter hook panicking. It never affects request processing.
	EventDiagnostic
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventException:
		return "exception"
	case EventStop:
		return "stop"
	default:
		return "diagnostic"
	}
}

// Event is one lifecycle notification. Per request the strict order is
// Start, zero or one Exception, Stop; Diagnostic events may appear between
// Start and Stop.
type Event struct {
	Kind       EventKind
	Time       time.Time
	TraceID    trace.TraceID
	SpanID     trace.SpanID
	Name       string
	Attributes []trace.Attribute

	// BaggageLen is the request's baggage entry count at emission time.
	// It must be identical at Start and Stop for any key set before Start.
	BaggageLen int
}

// Subscriber receives lifecycle events. Subscribers must not block;
// panics are absorbed by the emitter.
type Subscriber interface {
	OnEvent(ev Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ev Event)

// OnEvent calls f.
func (f SubscriberFunc) OnEvent(ev Event) { f(ev) }
