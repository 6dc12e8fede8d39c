// Package pruner shrinks session event logs before the model's hard
// context limit forces an uncontrolled truncation.
//
// Pruning runs a layered pipeline over parsed events: drop resolved work,
// fold old segments into summaries, consolidate near-duplicates and, when
// still too large, summarize everything but the most recent events.
// Essential events survive every smart-mode step. A floor guards against
// over-aggressive results: anything smaller than
// max(MinFloorTokens, FloorFraction*original) is discarded in favour of the
// whitespace-normalized original.
package pruner

import (
	"context"
	"math"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stellarlinkco/ctxkeeper/internal/metrics"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"go.uber.org/zap"
)

// Mode selects how aggressive pruning is.
type Mode string

const (
	ModeSmart     Mode = "smart"
	ModeEmergency Mode = "emergency"
)

// Strategy names recorded in Result.Strategies.
const (
	StrategyRemoveResolved = "remove_resolved"
	StrategyCompactOld     = "compact_old"
	StrategyConsolidate    = "consolidate_similar"
	StrategyTruncate       = "truncate"
	StrategySummarize      = "summarize"
	StrategyFloor          = "integrity_floor"
)

// Result describes one prune.
type Result struct {
	Content        string
	Mode           Mode
	OriginalTokens int
	FinalTokens    int
	OriginalEvents int
	FinalEvents    int
	Reduction      float64
	Strategies     []string
	FloorApplied   bool
	Duration       time.Duration
}

// Pruner runs the strategy pipeline. It holds no per-call state and is safe
// for concurrent use.
type Pruner struct {
	cfg     Config
	counter *tokens.Counter
	logger  *zap.Logger
}

// New creates a Pruner. A nil counter uses a fallback-only counter.
func New(cfg Config, counter *tokens.Counter, logger *zap.Logger) *Pruner {
	cfg.applyDefaults()
	if counter == nil {
		counter = tokens.NewCounter(tokens.Config{}, nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{cfg: cfg, counter: counter, logger: logger.Named("pruner")}
}

// SmartPrune reduces content toward targetReduction (0..1) gently.
func (p *Pruner) SmartPrune(ctx context.Context, content string, targetReduction float64) string {
	return p.Prune(ctx, content, targetReduction, ModeSmart).Content
}

// EmergencyPrune reduces content aggressively.
func (p *Pruner) EmergencyPrune(ctx context.Context, content string, targetReduction float64) string {
	return p.Prune(ctx, content, targetReduction, ModeEmergency).Content
}

// Prune runs the pipeline for mode and reports what happened.
func (p *Pruner) Prune(ctx context.Context, content string, targetReduction float64, mode Mode) Result {
	start := time.Now()
	target := clamp(targetReduction, 0, 1)
	log := eventlog.Parse(content)

	res := Result{
		Content:        content,
		Mode:           mode,
		OriginalTokens: p.counter.Tokens(ctx, content),
		OriginalEvents: log.Len(),
	}
	res.FinalTokens = res.OriginalTokens
	res.FinalEvents = res.OriginalEvents
	if log.Len() == 0 {
		res.Duration = time.Since(start)
		return res
	}

	run := &pass{
		p:      p,
		ctx:    ctx,
		now:    p.cfg.Now(),
		items:  p.classify(log.Events),
		target: target,
		orig:   res.OriginalTokens,
	}
	switch mode {
	case ModeEmergency:
		run.emergency()
	default:
		run.smart()
	}

	pruned := run.content()
	prunedTokens := p.counter.Tokens(ctx, pruned)
	floor := p.floor(res.OriginalTokens)

	if prunedTokens < floor || len(pruned) > len(content) || prunedTokens > res.OriginalTokens {
		p.logger.Debug("pruned result rejected, keeping original",
			zap.String("mode", string(mode)),
			zap.Int("pruned_tokens", prunedTokens),
			zap.Int("floor", floor),
			zap.Int("original_tokens", res.OriginalTokens),
		)
		pruned = eventlog.NormalizeWhitespace(content)
		prunedTokens = p.counter.Tokens(ctx, pruned)
		res.FloorApplied = true
		res.Strategies = []string{StrategyFloor}
		res.FinalEvents = eventlog.Parse(pruned).Len()
	} else {
		res.Strategies = run.applied
		res.FinalEvents = len(run.items)
	}

	res.Content = pruned
	res.FinalTokens = prunedTokens
	res.Reduction = reduction(res.OriginalTokens, prunedTokens)
	res.Duration = time.Since(start)
	metrics.PruneReduction.WithLabelValues(string(mode)).Observe(res.Reduction)

	p.logger.Debug("prune complete",
		zap.String("mode", string(mode)),
		zap.Float64("target", target),
		zap.Float64("reduction", res.Reduction),
		zap.Int("original_tokens", res.OriginalTokens),
		zap.Int("final_tokens", res.FinalTokens),
		zap.Strings("strategies", res.Strategies),
	)
	return res
}

// floor returns the minimum viable size for a log of originalTokens.
func (p *Pruner) floor(originalTokens int) int {
	f := int(math.Ceil(p.cfg.FloorFraction * float64(originalTokens)))
	if f < p.cfg.MinFloorTokens {
		f = p.cfg.MinFloorTokens
	}
	return f
}

// item is an event plus its pruning flags for one pass.
type item struct {
	ev eventlog.Event

	// essential events are never removed or merged.
	essential bool

	// pinned events were produced by this pass and are not reprocessed.
	pinned bool
}

// classify flags events matching the essential allowlist, carrying an
// inline marker, or within the last PreserveLastN.
func (p *Pruner) classify(events []eventlog.Event) []item {
	items := make([]item, len(events))
	tail := len(events) - p.cfg.PreserveLastN
	for i, ev := range events {
		items[i] = item{
			ev: ev,
			essential: i >= tail ||
				eventlog.IsEssentialType(ev.Type, p.cfg.EssentialTypes) ||
				eventlog.HasEssentialMarker(ev.Content),
		}
	}
	return items
}

func (it item) prunable() bool {
	return !it.essential && !it.pinned
}

func reduction(orig, now int) float64 {
	if orig <= 0 {
		return 0
	}
	return 1 - float64(now)/float64(orig)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
