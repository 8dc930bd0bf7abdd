package tracing

import "testing"

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "strips http prefix",
			input:    "http://localhost:4318",
			expected: "localhost:4318",
		},
		{
			name:     "strips https prefix",
			input:    "https://otel.example.com:4318",
			expected: "otel.example.com:4318",
		},
		{
			name:     "returns unchanged when no scheme",
			input:    "localhost:4318",
			expected: "localhost:4318",
		},
		{
			name:     "handles empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endpointHost(tt.input)
			if got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTracer(t *testing.T) {
	t.Run("returns non-nil tracer", func(t *testing.T) {
		tracer := Tracer("test-tracer")
		if tracer == nil {
			t.Error("expected non-nil tracer")
		}
	})
}
