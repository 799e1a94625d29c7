package telemetry

import "testing"

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{"debug level json", "debug", "json"},
		{"info level json", "info", "json"},
		{"warn level json", "warn", "json"},
		{"error level json", "error", "json"},
		{"info level text", "info", "text"},
		{"unknown level", "unknown", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				ServiceName: "test-service",
				Version:     "1.0.0",
				Environment: "test",
				LogLevel:    tt.logLevel,
				LogFormat:   tt.logFormat,
			}

			logger := NewLogger(cfg)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}
