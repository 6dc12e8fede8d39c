package eventlog

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Heuristic classifiers. They match literal patterns and are approximate:
// an explanatory sentence that mentions "fixed" reads as resolved.

// ResolvedPatterns mark an event as finished work.
var ResolvedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^[ \t]*(status|result|state):[ \t]*(resolved|fixed|completed?|done|success|succeeded|passed|closed)\b`),
	regexp.MustCompile(`(?i)\b(resolved|fixed|completed|succeeded|successfully)\b`),
	regexp.MustCompile(`(?i)\bsuccess\b`),
	regexp.MustCompile(`[✓✅]`),
}

// IsResolved reports whether content matches any of ResolvedPatterns.
func IsResolved(content string) bool {
	for _, p := range ResolvedPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// DefaultEssentialTypes are event types that pruning never removes: explicit
// markers, source-of-truth actions, session boundaries and restoration
// notices.
var DefaultEssentialTypes = []string{
	"explicit_marker",
	"marker",
	"checkpoint",
	"source_of_truth",
	"git_commit",
	"session_start",
	"session_end",
	"context_restoration",
}

// IsEssentialType reports whether typ appears in allow (case-insensitive).
func IsEssentialType(typ string, allow []string) bool {
	for _, a := range allow {
		if strings.EqualFold(a, typ) {
			return true
		}
	}
	return false
}

var essentialMarker = regexp.MustCompile(`(?im)\[essential\]|^[ \t]*essential:[ \t]*true\b`)

// HasEssentialMarker reports an inline "[ESSENTIAL]" or "essential: true".
func HasEssentialMarker(content string) bool {
	return essentialMarker.MatchString(content)
}

// Corruption indicator names returned by CorruptionIndicators.
const (
	IndicatorControlChars       = "control_characters"
	IndicatorInvalidUTF8        = "invalid_utf8"
	IndicatorTruncatedTag       = "truncated_tag"
	IndicatorTruncatedEntity    = "truncated_entity"
	IndicatorMalformedTimestamp = "malformed_timestamp"
)

var (
	truncatedTag    = regexp.MustCompile(`(?m)<\/?[A-Za-z_][A-Za-z0-9_.:-]*([ \t][^<>\n]*)?$`)
	truncatedEntity = regexp.MustCompile(`&(amp|lt|gt|quot|apos|#[0-9]+|#x[0-9a-fA-F]+)([^;0-9A-Za-z]|$)`)
)

// CorruptionIndicators lists the corruption signs found in content.
func CorruptionIndicators(content string) []string {
	var found []string
	if hasControlChars(content) {
		found = append(found, IndicatorControlChars)
	}
	if !utf8.ValidString(content) {
		found = append(found, IndicatorInvalidUTF8)
	}
	if truncatedTag.MatchString(content) {
		found = append(found, IndicatorTruncatedTag)
	}
	if truncatedEntity.MatchString(content) {
		found = append(found, IndicatorTruncatedEntity)
	}
	for _, m := range timestampLine.FindAllStringSubmatch(content, -1) {
		if _, ok := ParseTime(m[1]); !ok {
			found = append(found, IndicatorMalformedTimestamp)
			break
		}
	}
	return found
}

func hasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' || c == '\r' || c == '\t' {
			continue
		}
		if c < 0x20 || c == 0x7f {
			return true
		}
	}
	return false
}

// SemanticMarkerWords are the words a healthy session log usually contains.
var SemanticMarkerWords = []string{"timestamp", "context", "session", "goal", "task"}

var semanticPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(SemanticMarkerWords))
	for _, w := range SemanticMarkerWords {
		m[w] = regexp.MustCompile(`(?i)\b` + w + ``)
	}
	return m
}()

// SemanticMarkers returns which SemanticMarkerWords occur in content.
func SemanticMarkers(content string) []string {
	var found []string
	for _, w := range SemanticMarkerWords {
		if semanticPatterns[w].MatchString(content) {
			found = append(found, w)
		}
	}
	return found
}

var (
	openTagPattern  = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_.:-]*)([ \t][^<>\n]*)?>`)
	closeTagPattern = regexp.MustCompile(`</([A-Za-z_][A-Za-z0-9_.:-]*)>`)
)

// StructuralMarkers counts opening and closing tags in content.
func StructuralMarkers(content string) (opens, closes int) {
	return len(openTagPattern.FindAllStringIndex(content, -1)),
		len(closeTagPattern.FindAllStringIndex(content, -1))
}
