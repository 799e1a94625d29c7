package trace

import "strings"

// TraceFlags is the 8-bit flag field from the wire format.
type TraceFlags byte

// FlagsSampled is the sampled bit of TraceFlags.
const FlagsSampled TraceFlags = 0x01

// IsSampled reports whether the sampled bit is set.
func (f TraceFlags) IsSampled() bool {
	return f&FlagsSampled == FlagsSampled
}

// WithSampled returns the flags with the sampled bit set or cleared.
func (f TraceFlags) WithSampled(sampled bool) TraceFlags {
	if sampled {
		return f | FlagsSampled
	}
	return f &^ FlagsSampled
}

// TraceState is the ordered, vendor-namespaced list from the tracestate
// header. It is kept verbatim so re-injection reproduces the inbound header
// byte for byte.
type TraceState struct {
	raw string
}

// TraceStateEntry is a single vendor key=value member.
type TraceStateEntry struct {
	Key   string
	Value string
}

// ParseTraceState wraps a raw tracestate header value. Entries without an
// '=' are dropped when listing but do not invalidate the rest of the state.
func ParseTraceState(raw string) TraceState {
	return TraceState{raw: strings.TrimSpace(raw)}
}

// String returns the raw header value for re-injection.
func (ts TraceState) String() string {
	return ts.raw
}

// Entries returns the parsed members in wire order.
func (ts TraceState) Entries() []TraceStateEntry {
	if ts.raw == "" {
		return nil
	}
	var entries []TraceStateEntry
	for _, member := range strings.Split(ts.raw, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		key, value, ok := strings.Cut(member, "=")
		if !ok {
			continue
		}
		entries = append(entries, TraceStateEntry{Key: key, Value: value})
	}
	return entries
}

// Len returns the number of well-formed members.
func (ts TraceState) Len() int {
	return len(ts.Entries())
}

// SpanContext identifies a position in a distributed trace. It is an
// immutable value; derive a new one rather than mutating.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags TraceFlags
	TraceState TraceState

	// Remote marks contexts extracted from the wire as opposed to ones
	// created in this process.
	Remote bool
}

// IsValid reports whether both identifiers are non-zero.
func (sc SpanContext) IsValid() bool {
	return sc.TraceID.IsValid() && sc.SpanID.IsValid()
}

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool {
	return sc.TraceFlags.IsSampled()
}
