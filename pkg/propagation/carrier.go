// Package propagation is the codec between wire headers and in-process
// trace context and baggage. It implements the W3C traceparent, tracestate
// and baggage header formats.
package propagation

import "net/http"

// Carrier abstracts the header map trace context travels in. HTTP headers,
// plain maps and gRPC metadata all fit behind it.
type Carrier interface {
	Get(key string) string
	Set(key, value string)
	Keys() []string
}

// HeaderCarrier adapts http.Header to the Carrier interface.
type HeaderCarrier http.Header

// Get returns the first value for key.
func (c HeaderCarrier) Get(key string) string {
	return http.Header(c).Get(key)
}

// Set sets key to value, replacing existing values.
func (c HeaderCarrier) Set(key, value string) {
	http.Header(c).Set(key, value)
}

// Keys lists the header names present.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// MapCarrier adapts a plain string map to the Carrier interface.
type MapCarrier map[string]string

// Get returns the value for key.
func (c MapCarrier) Get(key string) string {
	return c[key]
}

// Set sets key to value.
func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the keys present.
func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
