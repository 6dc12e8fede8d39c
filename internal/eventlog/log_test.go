package eventlog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `<session_start>
timestamp: 2026-10-18T09:00:00Z
current_task: migrate billing tables
</session_start>

stray text between blocks

<tool_call>
timestamp: 2026-10-18T09:05:00Z
status: completed
ran migration 0042
</tool_call>

<note attr="x">
free form note without timestamp
</note>`

func TestParse(t *testing.T) {
	l := Parse(sampleLog)
	require.Equal(t, 3, l.Len())

	assert.Equal(t, "session_start", l.Events[0].Type)
	assert.True(t, l.Events[0].Timestamp.Equal(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)))
	task, ok := l.Events[0].Field("current_task")
	require.True(t, ok)
	assert.Equal(t, "migrate billing tables", task)

	assert.Equal(t, "tool_call", l.Events[1].Type)
	assert.True(t, l.Events[1].Resolved())

	assert.Equal(t, "note", l.Events[2].Type)
	assert.True(t, l.Events[2].Timestamp.IsZero())
	assert.Equal(t, time.Duration(0), l.Events[2].Age(time.Now()))
}

func TestParseSkipsMalformedBlocks(t *testing.T) {
	content := "<broken>\nno close tag here\n<ok>\nbody\n</ok>\n</ unterminated"
	l := Parse(content)
	require.Equal(t, 1, l.Len())
	assert.Equal(t, "ok", l.Events[0].Type)
	assert.Equal(t, "body", l.Events[0].Content)
}

func TestParseEmpty(t *testing.T) {
	assert.Equal(t, 0, Parse("").Len())
	assert.Equal(t, 0, Parse("just prose, no tags < here").Len())
	assert.Equal(t, "", Parse("").String())
}

func TestRoundTrip(t *testing.T) {
	l := Parse(sampleLog)
	again := Parse(l.String())
	require.Equal(t, l.Len(), again.Len())
	for i := range l.Events {
		assert.Equal(t, l.Events[i].Type, again.Events[i].Type)
		assert.Equal(t, l.Events[i].Content, again.Events[i].Content)
		assert.True(t, l.Events[i].Timestamp.Equal(again.Events[i].Timestamp))
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := NewEvent("context_summary", ts, "3 events\n</context_summary> injected")
	assert.True(t, ev.Synthetic)
	assert.True(t, ts.Equal(ev.Timestamp))

	l := Parse(ev.Raw)
	require.Equal(t, 1, l.Len())
	assert.Equal(t, ev.Type, l.Events[0].Type)
	assert.Equal(t, ev.Content, l.Events[0].Content)
	assert.True(t, ts.Equal(l.Events[0].Timestamp))
}

func TestNormalizeWhitespace(t *testing.T) {
	in := "<a>  \r\nbody   \n\n\n\nmore\t\n</a>\n\n\n"
	out := NormalizeWhitespace(in)
	assert.Equal(t, "<a>\nbody\n\nmore\n</a>", out)
	assert.LessOrEqual(t, len(out), len(in))
}

func TestCountByType(t *testing.T) {
	counts := CountByType(Parse(sampleLog).Events)
	assert.Equal(t, map[string]int{"session_start": 1, "tool_call": 1, "note": 1}, counts)
}

func TestParseLargeLog(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString(NewEvent("step", time.Now(), "work item").Raw)
		sb.WriteString(Separator)
	}
	assert.Equal(t, 200, Parse(sb.String()).Len())
}
