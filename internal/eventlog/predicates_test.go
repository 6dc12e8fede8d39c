package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsResolved(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"status line", "status: completed", true},
		{"status fixed", "result: fixed", true},
		{"prose fixed", "the flaky test was fixed upstream", true},
		{"success word", "deploy success", true},
		{"check mark", "lint ✅", true},
		{"in progress", "status: running\nstill waiting", false},
		{"unsuccessful", "unsuccessful attempt", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsResolved(tt.content))
		})
	}
}

func TestIsEssentialType(t *testing.T) {
	assert.True(t, IsEssentialType("session_start", DefaultEssentialTypes))
	assert.True(t, IsEssentialType("Git_Commit", DefaultEssentialTypes))
	assert.False(t, IsEssentialType("tool_call", DefaultEssentialTypes))
	assert.False(t, IsEssentialType("session_start", nil))
}

func TestHasEssentialMarker(t *testing.T) {
	assert.True(t, HasEssentialMarker("[ESSENTIAL] keep the schema notes"))
	assert.True(t, HasEssentialMarker("kind: note\nessential: true"))
	assert.False(t, HasEssentialMarker("essential: false"))
	assert.False(t, HasEssentialMarker("nothing special"))
}

func TestCorruptionIndicators(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"clean", "<a>\ntimestamp: 2026-10-18T09:00:00Z\nok &amp; fine\n</a>", nil},
		{"control chars", "<a>\x00\x01</a>", []string{IndicatorControlChars}},
		{"truncated tag", "<a>\nbody\n</a>\n<tool_ca", []string{IndicatorTruncatedTag}},
		{"truncated entity", "<a>fish &amp chips</a>", []string{IndicatorTruncatedEntity}},
		{"bad timestamp", "<a>\ntimestamp: yesterday-ish\n</a>", []string{IndicatorMalformedTimestamp}},
		{"invalid utf8", "<a>\xff\xfe</a>", []string{IndicatorInvalidUTF8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CorruptionIndicators(tt.content))
		})
	}
}

func TestSemanticMarkers(t *testing.T) {
	found := SemanticMarkers("timestamp: x\nSession goal: ship it")
	assert.Equal(t, []string{"timestamp", "session", "goal"}, found)
	assert.Empty(t, SemanticMarkers("plain words"))
}

func TestStructuralMarkers(t *testing.T) {
	opens, closes := StructuralMarkers("<a>\nx\n</a>\n<b k=\"v\">\ny\n</b>\n<c>")
	assert.Equal(t, 3, opens)
	assert.Equal(t, 2, closes)
}
