package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetScheme(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"http", "http://example.com/stream.ts", "http"},
		{"https", "https://example.com/stream.ts", "https"},
		{"udp", "udp://239.1.1.1:5000", "udp"},
		{"invalid", "not-a-url", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetScheme(tt.url)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsHTTPInput(t *testing.T) {
	assert.True(t, IsHTTPInput("http://example.com/stream.ts"))
	assert.True(t, IsHTTPInput("https://example.com/stream.ts"))
	assert.False(t, IsHTTPInput("udp://239.1.1.1:5000"))
	assert.False(t, IsHTTPInput(""))
}

func TestIsMulticastInput(t *testing.T) {
	assert.True(t, IsMulticastInput("udp://239.1.1.1:5000"))
	assert.False(t, IsMulticastInput("http://example.com/stream.ts"))
	assert.False(t, IsMulticastInput(""))
}

func TestValidateInputURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		expectError bool
		errorMsg    string
	}{
		{"valid http", "http://example.com/stream.ts", false, ""},
		{"valid https", "https://example.com/stream.ts", false, ""},
		{"valid udp", "udp://239.1.1.1:5000", false, ""},
		{"empty url", "", true, "url is required"},
		{"no scheme", "example.com/stream.ts", true, "unsupported input url scheme"},
		{"unsupported scheme", "rtmp://example.com/stream", true, "unsupported input url scheme"},
		{"udp missing port", "udp://239.1.1.1", true, "must specify host:port"},
		{"http missing host", "http:///stream.ts", true, "missing a host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInputURL(tt.url)
			if tt.expectError {
				assert.Error(t, err)
				if tt.errorMsg != "" {
					assert.Contains(t, err.Error(), tt.errorMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
