package pruner

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxCompareRunes = 256

var (
	timestampLinePattern = regexp.MustCompile(`(?im)^[ \t]*timestamp:.*$`)
	inlineTimePattern    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?)?|\b\d{1,2}:\d{2}(:\d{2})?\b`)
	spacePattern         = regexp.MustCompile(`\s+`)
)

// normalizeText strips timestamps, folds case and collapses whitespace so
// that repeated events compare equal.
func normalizeText(s string) string {
	s = timestampLinePattern.ReplaceAllString(s, "")
	s = inlineTimePattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// similarity returns 1 - editDistance/maxLen over normalized text.
func similarity(a, b string) float64 {
	a = truncateRunes(normalizeText(a), maxCompareRunes)
	b = truncateRunes(normalizeText(b), maxCompareRunes)
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes the edit distance between two rune slices using a
// single rolling row.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cur := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(row[j]+1, row[j-1]+1, prev+cost)
			prev = cur
		}
	}
	return row[len(b)]
}
