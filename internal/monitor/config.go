package monitor

import (
	"fmt"
	"time"
)

// Level classifies context usage.
type Level string

const (
	LevelSafe      Level = "safe"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// rank orders levels from safe to emergency.
func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelEmergency:
		return 3
	default:
		return 0
	}
}

var levelsByRank = []Level{LevelSafe, LevelWarning, LevelCritical, LevelEmergency}

// Default monitor settings.
const (
	DefaultWarning          = 40.0
	DefaultCritical         = 70.0
	DefaultEmergency        = 90.0
	DefaultPollInterval     = 5 * time.Second
	DefaultHistorySize      = 50
	DefaultTrendWindow      = 10 * time.Minute
	DefaultRecheckDelay     = 2 * time.Second
	DefaultEmergencyTarget  = 0.5
	DefaultRapidGrowthSlope = 0.1
)

// Thresholds are usage percentages at which each level starts.
type Thresholds struct {
	Warning   float64 `mapstructure:"warning"`
	Critical  float64 `mapstructure:"critical"`
	Emergency float64 `mapstructure:"emergency"`
}

// Level returns the level for a used percentage.
func (t Thresholds) Level(pct float64) Level {
	switch {
	case pct >= t.Emergency:
		return LevelEmergency
	case pct >= t.Critical:
		return LevelCritical
	case pct >= t.Warning:
		return LevelWarning
	default:
		return LevelSafe
	}
}

func (t Thresholds) of(l Level) float64 {
	switch l {
	case LevelWarning:
		return t.Warning
	case LevelCritical:
		return t.Critical
	case LevelEmergency:
		return t.Emergency
	default:
		return 0
	}
}

// Config tunes a Monitor. Zero numeric fields take defaults; AutoCompact
// has none, so start from DefaultConfig.
type Config struct {
	Thresholds Thresholds `mapstructure:"thresholds"`

	// PollInterval is the pull-model polling period.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// HistorySize bounds the rolling sample history.
	HistorySize int `mapstructure:"history_size"`

	// TrendWindow is how far back trend analysis looks.
	TrendWindow time.Duration `mapstructure:"trend_window"`

	// AutoCompact runs emergency pruning on entering the emergency level.
	AutoCompact bool `mapstructure:"auto_compact"`

	// RecheckDelay is the pause before re-measuring a compacted log.
	RecheckDelay time.Duration `mapstructure:"recheck_delay"`

	// EmergencyTarget is the reduction asked of emergency pruning.
	EmergencyTarget float64 `mapstructure:"emergency_target"`

	// RapidGrowthSlope is the growth rate, in percentage points per
	// second, that counts as rapid.
	RapidGrowthSlope float64 `mapstructure:"rapid_growth_slope"`

	// Now is the clock; defaults to time.Now.
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns the stock settings with auto-compaction on.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			Warning:   DefaultWarning,
			Critical:  DefaultCritical,
			Emergency: DefaultEmergency,
		},
		PollInterval:     DefaultPollInterval,
		HistorySize:      DefaultHistorySize,
		TrendWindow:      DefaultTrendWindow,
		AutoCompact:      true,
		RecheckDelay:     DefaultRecheckDelay,
		EmergencyTarget:  DefaultEmergencyTarget,
		RapidGrowthSlope: DefaultRapidGrowthSlope,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Thresholds.Warning <= 0 {
		c.Thresholds.Warning = d.Thresholds.Warning
	}
	if c.Thresholds.Critical <= 0 {
		c.Thresholds.Critical = d.Thresholds.Critical
	}
	if c.Thresholds.Emergency <= 0 {
		c.Thresholds.Emergency = d.Thresholds.Emergency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = d.TrendWindow
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = d.RecheckDelay
	}
	if c.EmergencyTarget <= 0 || c.EmergencyTarget > 1 {
		c.EmergencyTarget = d.EmergencyTarget
	}
	if c.RapidGrowthSlope <= 0 {
		c.RapidGrowthSlope = d.RapidGrowthSlope
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks that thresholds are strictly ascending.
func (c Config) Validate() error {
	t := c.Thresholds
	if !(t.Warning < t.Critical && t.Critical < t.Emergency) {
		return fmt.Errorf("thresholds must ascend: warning=%v critical=%v emergency=%v", t.Warning, t.Critical, t.Emergency)
	}
	if t.Emergency > 100 {
		return fmt.Errorf("emergency threshold %v exceeds 100%%", t.Emergency)
	}
	return nil
}
