package tokens

// DefaultLimits maps model profiles to their context-window size.
var DefaultLimits = map[string]int{
	DefaultProfile:     200000,
	"claude-opus":      200000,
	"claude-sonnet":    200000,
	"claude-haiku":     200000,
	"claude-sonnet-1m": 1000000,
	"gpt-4o":           128000,
	"gpt-4.1":          1047576,
}

// Default usage breakpoints, in percent.
const (
	DefaultNearLimitPercent = 60.0
	DefaultCriticalPercent  = 90.0
	DefaultCompactPercent   = 95.0
)

// Breakpoints are the percentages at which usage flags flip.
type Breakpoints struct {
	NearLimit float64 `mapstructure:"near_limit"`
	Critical  float64 `mapstructure:"critical"`
	Compact   float64 `mapstructure:"compact"`
}

func (b *Breakpoints) applyDefaults() {
	if b.NearLimit <= 0 {
		b.NearLimit = DefaultNearLimitPercent
	}
	if b.Critical <= 0 {
		b.Critical = DefaultCriticalPercent
	}
	if b.Compact <= 0 {
		b.Compact = DefaultCompactPercent
	}
}

// Usage describes a token count relative to a context-window limit.
type Usage struct {
	Tokens              int
	Limit               int
	UsedPercentage      float64
	RemainingPercentage float64
	IsNearLimit         bool
	IsCritical          bool
	ShouldCompact       bool
}

// Limit returns the context-window limit of the configured profile.
func (c *Counter) Limit() int {
	return c.LimitFor(c.cfg.Profile)
}

// LimitFor returns the limit of profile, falling back to the default
// profile for unknown names.
func (c *Counter) LimitFor(profile string) int {
	if n, ok := c.cfg.Limits[profile]; ok && n > 0 {
		return n
	}
	if n, ok := DefaultLimits[profile]; ok {
		return n
	}
	if n, ok := c.cfg.Limits[DefaultProfile]; ok && n > 0 {
		return n
	}
	return DefaultLimits[DefaultProfile]
}

// Usage converts tokens into percentages against the configured limit.
func (c *Counter) Usage(tokens int) Usage {
	return ComputeUsage(tokens, c.Limit(), c.cfg.Breakpoints)
}

// ComputeUsage converts tokens into percentages against limit. Zero
// breakpoints take the defaults.
func ComputeUsage(tokens, limit int, bp Breakpoints) Usage {
	bp.applyDefaults()
	u := Usage{Tokens: tokens, Limit: limit}
	if limit <= 0 || tokens <= 0 {
		u.RemainingPercentage = 100
		return u
	}
	u.UsedPercentage = float64(tokens) / float64(limit) * 100
	u.RemainingPercentage = 100 - u.UsedPercentage
	if u.RemainingPercentage < 0 {
		u.RemainingPercentage = 0
	}
	u.IsNearLimit = u.UsedPercentage >= bp.NearLimit
	u.IsCritical = u.UsedPercentage >= bp.Critical
	u.ShouldCompact = u.UsedPercentage >= bp.Compact
	return u
}
