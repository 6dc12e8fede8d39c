// Package health scores stored session contexts and runs periodic
// maintenance on them.
package health

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
)

// Level is the overall health class.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelFailing   Level = "failing"
)

// Sub-score weights.
const (
	WeightFreshness   = 0.30
	WeightUsage       = 0.20
	WeightIntegrity   = 0.25
	WeightCompression = 0.15
	WeightEfficiency  = 0.10
)

const (
	idealCharsPerToken      = 3.5
	unarchivedCompression   = 0.8
	minContentBytes         = 50
	maxContentBytes         = 10 << 20
	saturatingEventsCount   = 50
	minIntegrity            = 0.1
	minEfficiency           = 0.1
	semanticMarkersForBonus = 2
)

var indicatorPenalty = map[string]float64{
	eventlog.IndicatorControlChars:       0.2,
	eventlog.IndicatorInvalidUTF8:        0.2,
	eventlog.IndicatorTruncatedTag:       0.15,
	eventlog.IndicatorTruncatedEntity:    0.1,
	eventlog.IndicatorMalformedTimestamp: 0.15,
}

// Session is the input to scoring.
type Session struct {
	ID           string
	Scope        archive.Scope
	Content      string
	LastActivity time.Time
	EventsCount  int
	StackDepth   int
	CurrentTask  string

	// Archived means Content is the stored archive form, so it is checked
	// against the archive fingerprint.
	Archived bool
}

// Scores holds the five sub-scores, each in [0,1].
type Scores struct {
	Freshness   float64 `json:"freshness"`
	Usage       float64 `json:"usage_pattern"`
	Integrity   float64 `json:"data_integrity"`
	Compression float64 `json:"compression_health"`
	Efficiency  float64 `json:"token_efficiency"`
}

// Record is one health evaluation.
type Record struct {
	SessionID       string    `json:"session_id"`
	Overall         float64   `json:"overall"`
	Level           Level     `json:"level"`
	Scores          Scores    `json:"scores"`
	Indicators      []string  `json:"indicators,omitempty"`
	Recommendations []string  `json:"recommendations"`
	At              time.Time `json:"at"`
}

// TokenCounter counts tokens of content.
type TokenCounter interface {
	Tokens(ctx context.Context, content string) int
}

// calculate scores s. meta is the archive metadata if s has been archived.
func calculate(ctx context.Context, counter TokenCounter, s Session, meta *archive.Metadata, now time.Time) Record {
	integrity, indicators := dataIntegrity(s, meta)
	sc := Scores{
		Freshness:   freshness(now.Sub(s.LastActivity)),
		Usage:       usagePattern(s.EventsCount, s.StackDepth),
		Integrity:   integrity,
		Compression: compressionHealth(meta),
		Efficiency:  tokenEfficiency(s.Content, counter.Tokens(ctx, s.Content)),
	}
	overall := clamp(sc.Freshness*WeightFreshness+
		sc.Usage*WeightUsage+
		sc.Integrity*WeightIntegrity+
		sc.Compression*WeightCompression+
		sc.Efficiency*WeightEfficiency, 0, 1)
	level := levelFor(overall)
	return Record{
		SessionID:       s.ID,
		Overall:         overall,
		Level:           level,
		Scores:          sc,
		Indicators:      indicators,
		Recommendations: recommendations(sc, level),
		At:              now,
	}
}

// freshness decays with idle age: 1 up to a day, then linear segments
// 0.8->0.5 (1-7d), 0.5->0.1 (7-30d), 0.1->0.01 (30-90d), 0.01 beyond.
func freshness(idle time.Duration) float64 {
	d := idle.Hours() / 24
	switch {
	case d <= 1:
		return 1
	case d <= 7:
		return 0.8 - (d-1)/6*0.3
	case d <= 30:
		return 0.5 - (d-7)/23*0.4
	case d <= 90:
		return 0.1 - (d-30)/60*0.09
	default:
		return 0.01
	}
}

func usagePattern(events, depth int) float64 {
	score := math.Min(float64(events)/saturatingEventsCount, 1)
	switch {
	case depth >= 1 && depth <= 3:
		score += 0.2
	case depth > 3:
		score -= 0.1
	}
	return clamp(score, 0, 1)
}

func dataIntegrity(s Session, meta *archive.Metadata) (float64, []string) {
	score := 1.0
	var found []string
	content := s.Content

	if eventlog.Parse(content).Len() == 0 {
		score -= 0.3
		found = append(found, "no_complete_blocks")
	}
	if opens, closes := eventlog.StructuralMarkers(content); opens != closes {
		score -= 0.2
		found = append(found, "unbalanced_tags")
	}
	for _, ind := range eventlog.CorruptionIndicators(content) {
		score -= indicatorPenalty[ind]
		found = append(found, ind)
	}
	if s.Archived && meta != nil && meta.Fingerprint != "" && archive.Fingerprint(content) != meta.Fingerprint {
		score -= 0.4
		found = append(found, "fingerprint_mismatch")
	}
	switch {
	case len(content) < minContentBytes:
		score -= 0.2
		found = append(found, "content_too_short")
	case len(content) > maxContentBytes:
		score -= 0.1
		found = append(found, "content_too_large")
	}
	if len(eventlog.SemanticMarkers(content)) >= semanticMarkersForBonus {
		score += 0.1
	}
	return clamp(score, minIntegrity, 1), found
}

func compressionHealth(meta *archive.Metadata) float64 {
	if meta == nil {
		return unarchivedCompression
	}
	level, ok := archive.LevelByName(meta.Level)
	if !ok {
		return unarchivedCompression
	}
	return clamp(1-math.Abs(meta.CompressionRatio-level.Ratio)/level.Ratio, 0, 1)
}

func tokenEfficiency(content string, tokens int) float64 {
	if tokens <= 0 {
		return minEfficiency
	}
	ratio := float64(utf8.RuneCountInString(content)) / float64(tokens)
	return clamp(1-math.Abs(ratio-idealCharsPerToken)/idealCharsPerToken, minEfficiency, 1)
}

func levelFor(score float64) Level {
	switch {
	case score >= 0.8:
		return LevelExcellent
	case score >= 0.6:
		return LevelGood
	case score >= 0.4:
		return LevelWarning
	case score >= 0.2:
		return LevelCritical
	default:
		return LevelFailing
	}
}

func recommendations(sc Scores, level Level) []string {
	var out []string
	if sc.Freshness < 0.5 {
		out = append(out, "Context is stale; consider archiving it.")
	}
	if sc.Usage < 0.3 {
		out = append(out, "Low activity; confirm the session is still needed.")
	}
	if sc.Integrity < 0.7 {
		out = append(out, "Data integrity issues detected; manual review recommended.")
	}
	if sc.Compression < 0.5 {
		out = append(out, "Archive compression is far from its tier target; re-archive the session.")
	}
	if sc.Efficiency < 0.5 {
		out = append(out, "Token usage is inefficient; prune redundant events.")
	}
	switch level {
	case LevelExcellent:
		out = append(out, "Context is healthy; no action needed.")
	case LevelFailing:
		out = append(out, "Context is failing; restore from archive or discard it.")
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
