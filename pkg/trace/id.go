// Package trace contains the core data model for request correlation:
// trace and span identifiers, span contexts, baggage, spans, and samplers.
package trace

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// TraceID is a 128-bit trace identifier. The all-zero value is invalid.
type TraceID [16]byte

// SpanID is a 64-bit span identifier. The all-zero value is invalid.
type SpanID [8]byte

// IsValid reports whether the trace ID is non-zero.
func (t TraceID) IsValid() bool {
	return t != TraceID{}
}

// String returns the lower-hex encoding of the trace ID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// IsValid reports whether the span ID is non-zero.
func (s SpanID) IsValid() bool {
	return s != SpanID{}
}

// String returns the lower-hex encoding of the span ID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// ParseTraceID decodes a 32-character lower-hex trace ID.
func ParseTraceID(s string) (TraceID, error) {
	var id TraceID
	if len(s) != 2*len(id) {
		return TraceID{}, fmt.Errorf("trace id must be %d hex characters, got %d", 2*len(id), len(s))
	}
	if err := decodeHexField(s, id[:]); err != nil {
		return TraceID{}, fmt.Errorf("invalid trace id %q: %w", s, err)
	}
	if !id.IsValid() {
		return TraceID{}, fmt.Errorf("trace id must not be all zeros")
	}
	return id, nil
}

// ParseSpanID decodes a 16-character lower-hex span ID.
func ParseSpanID(s string) (SpanID, error) {
	var id SpanID
	if len(s) != 2*len(id) {
		return SpanID{}, fmt.Errorf("span id must be %d hex characters, got %d", 2*len(id), len(s))
	}
	if err := decodeHexField(s, id[:]); err != nil {
		return SpanID{}, fmt.Errorf("invalid span id %q: %w", s, err)
	}
	if !id.IsValid() {
		return SpanID{}, fmt.Errorf("span id must not be all zeros")
	}
	return id, nil
}

// decodeHexField decodes s into dst, rejecting upper-case digits, which the
// wire format does not allow.
func decodeHexField(s string, dst []byte) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("non lower-hex character %q", c)
		}
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

// NewTraceID returns a new random trace ID.
func NewTraceID() TraceID {
	return TraceID(uuid.New())
}

// NewSpanID returns a new random span ID.
func NewSpanID() SpanID {
	u := uuid.New()
	var id SpanID
	copy(id[:], u[:len(id)])
	if !id.IsValid() {
		// Vanishingly unlikely, but the zero span ID is reserved.
		id[0] = 1
	}
	return id
}
