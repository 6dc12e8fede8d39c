// Package tokens measures how many tokens a session log consumes.
//
// Counting tries an optional precise oracle first and falls back to a
// deterministic characters-per-token estimate. Oracle failures are never
// surfaced to callers. Results are cached by content hash.
package tokens

import (
	"context"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/stellarlinkco/ctxkeeper/internal/metrics"
	"go.uber.org/zap"
)

// Default counter settings.
const (
	DefaultRatio         = 4.0
	DefaultCacheSize     = 1000
	DefaultOracleTimeout = 5 * time.Second
	DefaultProfile       = "default"
)

// Source identifies how a count was produced.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceEstimate Source = "estimate"
)

// Oracle returns a precise token count for content, or an error.
type Oracle interface {
	CountTokens(ctx context.Context, content string) (int, error)
}

// Config configures a Counter. Zero values take defaults.
type Config struct {
	// Ratio is the characters-per-token ratio of the fallback estimate.
	Ratio float64 `mapstructure:"ratio"`

	// CacheSize bounds the result cache; oldest entries are evicted first.
	CacheSize int `mapstructure:"cache_size"`

	// OracleTimeout bounds each oracle call.
	OracleTimeout time.Duration `mapstructure:"oracle_timeout"`

	// Profile selects the context-window limit from the limits table.
	Profile string `mapstructure:"profile"`

	// Limits overrides or extends DefaultLimits.
	Limits map[string]int `mapstructure:"limits"`

	// Breakpoints are the usage percentages used by Usage.
	Breakpoints Breakpoints `mapstructure:"breakpoints"`
}

func (c *Config) applyDefaults() {
	if c.Ratio <= 0 {
		c.Ratio = DefaultRatio
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = DefaultOracleTimeout
	}
	if c.Profile == "" {
		c.Profile = DefaultProfile
	}
	c.Breakpoints.applyDefaults()
}

// Result is the outcome of a count.
type Result struct {
	Tokens    int
	Source    Source
	FromCache bool
}

// Counter counts tokens with caching. It is safe for concurrent use.
type Counter struct {
	cfg    Config
	oracle Oracle
	logger *zap.Logger

	mu    sync.Mutex
	cache map[uint64]Result
	order []uint64
}

// NewCounter creates a Counter. oracle may be nil.
func NewCounter(cfg Config, oracle Oracle, logger *zap.Logger) *Counter {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{
		cfg:    cfg,
		oracle: oracle,
		logger: logger.Named("tokens"),
		cache:  make(map[uint64]Result, cfg.CacheSize),
	}
}

// Count returns the token count of content.
func (c *Counter) Count(ctx context.Context, content string) Result {
	if content == "" {
		return Result{Tokens: 0, Source: SourceEstimate}
	}

	key := xxhash.Sum64String(content)
	if r, ok := c.lookup(key); ok {
		r.FromCache = true
		return r
	}

	r := Result{Tokens: c.Estimate(content), Source: SourceEstimate}
	if c.oracle != nil {
		if n, ok := c.askOracle(ctx, content); ok {
			r = Result{Tokens: n, Source: SourceOracle}
		}
	}

	c.store(key, r)
	metrics.TokenCounts.WithLabelValues(string(r.Source)).Inc()
	return r
}

// Tokens is Count without the metadata.
func (c *Counter) Tokens(ctx context.Context, content string) int {
	return c.Count(ctx, content).Tokens
}

func (c *Counter) askOracle(ctx context.Context, content string) (int, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout)
	defer cancel()

	n, err := c.oracle.CountTokens(ctx, content)
	if err != nil {
		c.logger.Debug("oracle count failed, using estimate", zap.Error(err))
		return 0, false
	}
	if n < 0 {
		c.logger.Debug("oracle returned negative count, using estimate", zap.Int("tokens", n))
		return 0, false
	}
	return n, true
}

// Estimate is the deterministic fallback: ceil(characters / ratio).
func (c *Counter) Estimate(content string) int {
	return EstimateTokens(content, c.cfg.Ratio)
}

// EstimateTokens returns ceil(characters / ratio). A non-positive ratio
// uses DefaultRatio.
func EstimateTokens(content string, ratio float64) int {
	if content == "" {
		return 0
	}
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(content)) / ratio))
}

// Ratio returns the configured characters-per-token ratio.
func (c *Counter) Ratio() float64 {
	return c.cfg.Ratio
}

func (c *Counter) lookup(key uint64) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.cache[key]
	return r, ok
}

func (c *Counter) store(key uint64, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[key]; ok {
		return
	}
	for len(c.order) >= c.cfg.CacheSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[key] = r
	c.order = append(c.order, key)
}

// CacheLen returns the number of cached results.
func (c *Counter) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// ClearCache drops every cached result.
func (c *Counter) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[uint64]Result, c.cfg.CacheSize)
	c.order = nil
}
