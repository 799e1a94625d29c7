package correlate

import "testing"

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method        string
		wantCanonical string
		wantOriginal  string
	}{
		{"GET", "GET", ""},
		{"POST", "POST", ""},
		{"Get", "GET", "Get"},
		{"get", "GET", "get"},
		{"dElEtE", "DELETE", "dElEtE"},
		{"CONNECT", "CONNECT", ""},
		{"HEAD", "HEAD", ""},
		{"OPTIONS", "OPTIONS", ""},
		{"PATCH", "PATCH", ""},
		{"PUT", "PUT", ""},
		{"TRACE", "TRACE", ""},
		{"CUSTOM", OtherMethod, "CUSTOM"},
		{"custom", OtherMethod, "custom"},
		{"", OtherMethod, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			canonical, original := normalizeMethod(tt.method)
			if canonical != tt.wantCanonical {
				t.Errorf("normalizeMethod(%q) canonical = %q, want %q", tt.method, canonical, tt.wantCanonical)
			}
			if original != tt.wantOriginal {
				t.Errorf("normalizeMethod(%q) original = %q, want %q", tt.method, original, tt.wantOriginal)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName("GET"); got != "GET" {
		t.Errorf("displayName(GET) = %q, want GET", got)
	}
	if got := displayName(OtherMethod); got != "HTTP" {
		t.Errorf("displayName(%s) = %q, want HTTP", OtherMethod, got)
	}
}
