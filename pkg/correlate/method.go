package correlate

import "strings"

// OtherMethod is the canonical method tag recorded for verbs outside the
// known set. The original verb is preserved in a separate tag.
const OtherMethod = "_OTHER"

// fallbackDisplayName names spans for requests with a non-standard verb.
const fallbackDisplayName = "HTTP"

// knownMethods is the fixed set of verbs recorded verbatim (after case
// normalization) as the canonical method tag.
var knownMethods = map[string]struct{}{
	"CONNECT": {},
	"DELETE":  {},
	"GET":     {},
	"HEAD":    {},
	"OPTIONS": {},
	"PATCH":   {},
	"POST":    {},
	"PUT":     {},
	"TRACE":   {},
}

// normalizeMethod maps a request verb to its canonical form. original is
// non-empty whenever the inbound spelling differs from the canonical tag,
// including case-only differences.
func normalizeMethod(method string) (canonical, original string) {
	upper := strings.ToUpper(method)
	if _, ok := knownMethods[upper]; ok {
		if method != upper {
			return upper, method
		}
		return upper, ""
	}
	return OtherMethod, method
}

// displayName returns the span display name for a canonical method.
func displayName(canonical string) string {
	if canonical == OtherMethod {
		return fallbackDisplayName
	}
	return canonical
}
