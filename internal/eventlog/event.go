// Package eventlog parses and serializes session event logs.
//
// A log is a sequence of named tagged blocks:
//
//	<tool_call>
//	timestamp: 2026-10-18T10:00:00Z
//	status: completed
//	ran the migration
//	</tool_call>
//
// Parsing is lenient. Blocks without a matching close tag and any text
// between blocks are skipped, never reported as errors.
package eventlog

import (
	"regexp"
	"strings"
	"time"
)

// TimestampKey is the body key that carries an event's timestamp.
const TimestampKey = "timestamp"

var timestampLine = regexp.MustCompile(`(?m)^[ \t]*timestamp:[ \t]*(.*?)[ \t]*$`)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Event is one immutable record of a session log.
type Event struct {
	// Type is the tag name of the block.
	Type string

	// Content is the block body, without the surrounding tags.
	Content string

	// Timestamp is parsed from the "timestamp:" body line. Zero when absent
	// or unparseable.
	Timestamp time.Time

	// Raw is the verbatim serialized block, tags included.
	Raw string

	// Synthetic marks events created by pruning rather than recorded.
	Synthetic bool
}

// NewEvent builds a synthetic event and its serialized form.
func NewEvent(typ string, ts time.Time, body string) Event {
	body = strings.ReplaceAll(body, "</"+typ+">", "<\\/"+typ+">")
	body = strings.Trim(body, "\n")

	var sb strings.Builder
	if !ts.IsZero() {
		sb.WriteString(TimestampKey)
		sb.WriteString(": ")
		sb.WriteString(ts.UTC().Format(time.RFC3339))
		if body != "" {
			sb.WriteString("\n")
		}
	}
	sb.WriteString(body)
	content := sb.String()

	return Event{
		Type:      typ,
		Content:   content,
		Timestamp: parseTimestamp(content),
		Raw:       "<" + typ + ">\n" + content + "\n</" + typ + ">",
		Synthetic: true,
	}
}

// Age returns how long ago the event happened. Events without a timestamp
// report zero age.
func (e Event) Age(now time.Time) time.Duration {
	if e.Timestamp.IsZero() {
		return 0
	}
	age := now.Sub(e.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// Resolved reports whether the content reads like a finished piece of work.
func (e Event) Resolved() bool {
	return IsResolved(e.Content)
}

// Field returns the value of the first "key: value" line in the body.
func (e Event) Field(key string) (string, bool) {
	prefix := key + ":"
	for _, line := range strings.Split(e.Content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func parseTimestamp(body string) time.Time {
	m := timestampLine.FindStringSubmatch(body)
	if m == nil {
		return time.Time{}
	}
	ts, ok := ParseTime(m[1])
	if !ok {
		return time.Time{}
	}
	return ts
}

// ParseTime parses a timestamp value in any accepted layout.
func ParseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
