package pruner

import (
	"fmt"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
)

// Default pruning parameters.
const (
	DefaultPreserveLastN         = 3
	DefaultResolvedGrace         = 5 * time.Minute
	DefaultCompactAge            = 30 * time.Minute
	DefaultSimilarityThreshold   = 0.8
	DefaultGroupKeyLength        = 60
	DefaultMinFloorTokens        = 100
	DefaultFloorFraction         = 0.05
	DefaultEmergencyKeepFraction = 0.3
	DefaultEmergencyKeepMin      = 5
	DefaultSummarizeKeepFactor   = 0.7
)

// Config tunes the strategy pipeline. Zero values take defaults.
type Config struct {
	// EssentialTypes are event types never pruned.
	EssentialTypes []string `mapstructure:"essential_types"`

	// PreserveLastN most recent events are never pruned.
	PreserveLastN int `mapstructure:"preserve_last_n"`

	// ResolvedGrace is the minimum age before a resolved event may be dropped.
	ResolvedGrace time.Duration `mapstructure:"resolved_grace"`

	// CompactAge is the age after which events are folded into summaries.
	CompactAge time.Duration `mapstructure:"compact_age"`

	// SimilarityThreshold is the edit-distance similarity above which
	// adjacent events are merged.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`

	// GroupKeyLength is the content prefix length used to group events.
	GroupKeyLength int `mapstructure:"group_key_length"`

	// MinFloorTokens and FloorFraction define the integrity floor:
	// max(MinFloorTokens, FloorFraction*original).
	MinFloorTokens int     `mapstructure:"min_floor_tokens"`
	FloorFraction  float64 `mapstructure:"floor_fraction"`

	// EmergencyKeepFraction and EmergencyKeepMin bound emergency truncation.
	EmergencyKeepFraction float64 `mapstructure:"emergency_keep_fraction"`
	EmergencyKeepMin      int     `mapstructure:"emergency_keep_min"`

	// SummarizeKeepFactor scales the number of events kept by summarization.
	SummarizeKeepFactor float64 `mapstructure:"summarize_keep_factor"`

	// Now is the clock; defaults to time.Now.
	Now func() time.Time `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.EssentialTypes == nil {
		c.EssentialTypes = eventlog.DefaultEssentialTypes
	}
	if c.PreserveLastN <= 0 {
		c.PreserveLastN = DefaultPreserveLastN
	}
	if c.ResolvedGrace <= 0 {
		c.ResolvedGrace = DefaultResolvedGrace
	}
	if c.CompactAge <= 0 {
		c.CompactAge = DefaultCompactAge
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.GroupKeyLength <= 0 {
		c.GroupKeyLength = DefaultGroupKeyLength
	}
	if c.MinFloorTokens <= 0 {
		c.MinFloorTokens = DefaultMinFloorTokens
	}
	if c.FloorFraction <= 0 {
		c.FloorFraction = DefaultFloorFraction
	}
	if c.EmergencyKeepFraction <= 0 {
		c.EmergencyKeepFraction = DefaultEmergencyKeepFraction
	}
	if c.EmergencyKeepMin <= 0 {
		c.EmergencyKeepMin = DefaultEmergencyKeepMin
	}
	if c.SummarizeKeepFactor <= 0 {
		c.SummarizeKeepFactor = DefaultSummarizeKeepFactor
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate rejects settings that cannot produce a sane pipeline.
func (c *Config) Validate() error {
	if c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be at most 1, got %f", c.SimilarityThreshold)
	}
	if c.FloorFraction >= 1 {
		return fmt.Errorf("floor fraction must be below 1, got %f", c.FloorFraction)
	}
	if c.EmergencyKeepFraction > 1 {
		return fmt.Errorf("emergency keep fraction must be at most 1, got %f", c.EmergencyKeepFraction)
	}
	return nil
}
