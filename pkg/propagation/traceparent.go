package propagation

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/instantcocoa/weft/pkg/trace"
)

// Wire header names. Header lookup is case-insensitive for HTTP carriers;
// these are the canonical lower-case spellings.
const (
	TraceparentHeader = "traceparent"
	TracestateHeader  = "tracestate"
	BaggageHeader     = "baggage"
)

// ParseTraceparent parses a traceparent header value of the form
// version-traceid-spanid-flags (fixed-width lower-hex fields). A parse
// error means the request is treated as a new trace root, never failed.
func ParseTraceparent(header string) (trace.SpanContext, error) {
	header = strings.TrimSpace(header)
	if len(header) < 55 {
		return trace.SpanContext{}, fmt.Errorf("traceparent too short: %d characters", len(header))
	}

	parts := strings.SplitN(header, "-", 5)
	if len(parts) < 4 {
		return trace.SpanContext{}, fmt.Errorf("traceparent has %d fields, want at least 4", len(parts))
	}

	version, err := parseHexByte(parts[0])
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("traceparent version: %w", err)
	}
	if version == 0xff {
		return trace.SpanContext{}, fmt.Errorf("traceparent version 0xff is invalid")
	}
	if version == 0 && len(parts) != 4 {
		return trace.SpanContext{}, fmt.Errorf("version 00 traceparent has trailing fields")
	}

	traceID, err := trace.ParseTraceID(parts[1])
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("traceparent: %w", err)
	}
	spanID, err := trace.ParseSpanID(parts[2])
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("traceparent: %w", err)
	}
	flags, err := parseHexByte(parts[3])
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("traceparent flags: %w", err)
	}

	return trace.SpanContext{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(flags),
		Remote:     true,
	}, nil
}

// FormatTraceparent encodes sc as a version 00 traceparent header value.
func FormatTraceparent(sc trace.SpanContext) string {
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID, sc.SpanID, byte(sc.TraceFlags))
}

func parseHexByte(s string) (byte, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("field %q is not 2 hex characters", s)
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return 0, fmt.Errorf("non lower-hex character %q", c)
		}
	}
	var b [1]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, err
	}
	return b[0], nil
}
