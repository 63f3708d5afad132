package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitUAFragment_ExtractsOverride(t *testing.T) {
	clean, ua := splitUAFragment("http://example.com/stream.ts#ua=CustomPlayer/1.0")
	assert.Equal(t, "http://example.com/stream.ts", clean)
	assert.Equal(t, "CustomPlayer/1.0", ua)
}

func TestSplitUAFragment_NoFragmentReturnsDefault(t *testing.T) {
	clean, ua := splitUAFragment("http://example.com/stream.ts")
	assert.Equal(t, "http://example.com/stream.ts", clean)
	assert.Empty(t, ua)
}

func TestSplitUAFragment_UnrelatedFragmentIgnored(t *testing.T) {
	clean, ua := splitUAFragment("http://example.com/stream.ts#other")
	assert.Equal(t, "http://example.com/stream.ts#other", clean)
	assert.Empty(t, ua)
}

func TestNewPullInput_DefaultsUserAgent(t *testing.T) {
	p := NewPullInput("http://example.com/stream.ts", NewPullClient())
	assert.NotEmpty(t, p.userAgent)
	assert.Equal(t, "http://example.com/stream.ts", p.url)
}
