package eventlog

import (
	"strings"
)

// Separator joins serialized blocks.
const Separator = "\n\n"

// Log is the ordered event sequence of one session.
type Log struct {
	Events []Event
}

// Parse splits content into events. It never fails; malformed blocks are
// dropped.
func Parse(content string) *Log {
	l := &Log{}
	i := 0
	for i < len(content) {
		open := strings.IndexByte(content[i:], '<')
		if open < 0 {
			break
		}
		start := i + open
		name, headerEnd, ok := readOpenTag(content, start)
		if !ok {
			i = start + 1
			continue
		}
		closeTag := "</" + name + ">"
		closeIdx := strings.Index(content[headerEnd:], closeTag)
		if closeIdx < 0 {
			// No close tag: skip this opening tag only.
			i = headerEnd
			continue
		}
		bodyEnd := headerEnd + closeIdx
		end := bodyEnd + len(closeTag)
		body := strings.Trim(content[headerEnd:bodyEnd], "\r\n")

		l.Events = append(l.Events, Event{
			Type:      name,
			Content:   body,
			Timestamp: parseTimestamp(body),
			Raw:       content[start:end],
		})
		i = end
	}
	return l
}

// readOpenTag reads "<name ...>" at pos. It returns the tag name and the
// index just past '>'.
func readOpenTag(content string, pos int) (string, int, bool) {
	j := pos + 1
	if j >= len(content) || !isNameStart(content[j]) {
		return "", 0, false
	}
	for j < len(content) && isNameChar(content[j]) {
		j++
	}
	name := content[pos+1 : j]
	gt := strings.IndexByte(content[j:], '>')
	if gt < 0 {
		return "", 0, false
	}
	attrs := content[j : j+gt]
	if attrs != "" && attrs[0] != ' ' && attrs[0] != '\t' {
		return "", 0, false
	}
	if strings.ContainsAny(attrs, "<\n") || strings.HasSuffix(attrs, "/") {
		return "", 0, false
	}
	return name, j + gt + 1, true
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == ':'
}

// String serializes the log back into tagged blocks.
func (l *Log) String() string {
	if l == nil || len(l.Events) == 0 {
		return ""
	}
	parts := make([]string, len(l.Events))
	for i, ev := range l.Events {
		parts[i] = ev.Raw
	}
	return strings.Join(parts, Separator)
}

// Len returns the number of events.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Events)
}

// CountByType tallies events per tag name.
func CountByType(events []Event) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts
}

// NormalizeWhitespace strips trailing spaces on every line, collapses runs
// of blank lines and trims the ends. The result is never longer than s.
func NormalizeWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
