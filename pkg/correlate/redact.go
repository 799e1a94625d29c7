package correlate

import "strings"

// redactedValue replaces query parameter values before they are recorded.
const redactedValue = "Redacted"

// redactQuery rewrites a raw query string so no parameter value is
// recorded. Parsing splits on '&' and then on the first '='. A bare key
// with no '=' passes through verbatim; an empty value is still redacted.
func redactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	for i, part := range parts {
		key, _, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		parts[i] = key + "=" + redactedValue
	}
	return strings.Join(parts, "&")
}
