package trace

import "strings"

// BaggageMember is a single baggage key/value entry.
type BaggageMember struct {
	Key   string
	Value string
}

// Baggage is an ordered key/value mapping propagated alongside, but
// independently of, trace identity. Baggage is request-scoped: span start
// and stop never add, remove, or rewrite entries.
type Baggage struct {
	members []BaggageMember
}

// ParseBaggage parses a baggage header value: comma-separated key=value
// pairs, order-preserving, last occurrence of a duplicate key wins.
// Malformed entries (no '=' or empty key) are skipped.
func ParseBaggage(header string) Baggage {
	var b Baggage
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		b.Set(key, strings.TrimSpace(value))
	}
	return b
}

// Set inserts or replaces the entry for key, preserving the position of an
// existing entry.
func (b *Baggage) Set(key, value string) {
	for i := range b.members {
		if b.members[i].Key == key {
			b.members[i].Value = value
			return
		}
	}
	b.members = append(b.members, BaggageMember{Key: key, Value: value})
}

// Get returns the value for key and whether it is present.
func (b Baggage) Get(key string) (string, bool) {
	for _, m := range b.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return "", false
}

// Len returns the number of entries.
func (b Baggage) Len() int {
	return len(b.members)
}

// Members returns a copy of the entries in order.
func (b Baggage) Members() []BaggageMember {
	out := make([]BaggageMember, len(b.members))
	copy(out, b.members)
	return out
}

// String encodes the baggage in wire form.
func (b Baggage) String() string {
	if len(b.members) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, m := range b.members {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(m.Key)
		sb.WriteByte('=')
		sb.WriteString(m.Value)
	}
	return sb.String()
}
