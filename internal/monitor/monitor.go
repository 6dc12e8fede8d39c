// Package monitor watches session context usage and compacts logs before
// they reach the model's hard limit.
//
// A Monitor classifies each measurement into safe, warning, critical or
// emergency, keeps a bounded history for trend prediction and publishes an
// event on every level change. Entering the emergency level triggers an
// inline emergency prune when auto-compaction is on.
//
// Events are published while the session lock is held so that a session's
// events arrive in order. Handlers must not call back into the same monitor.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/metrics"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"go.uber.org/zap"
)

// ErrStopped is returned by checks on a stopped monitor.
var ErrStopped = errors.New("monitor stopped")

// Source supplies the current log in the pull model.
type Source interface {
	Content(ctx context.Context) (string, error)
}

// Updater is implemented by sources that accept a compacted log.
type Updater interface {
	Update(ctx context.Context, content string) error
}

// Pruner performs emergency reductions.
type Pruner interface {
	EmergencyPrune(ctx context.Context, content string, targetReduction float64) string
}

// Status is the outcome of a check.
type Status struct {
	SessionID string
	Tokens    int
	Usage     tokens.Usage
	Level     Level
	Previous  Level
	Changed   bool
	Trend     Prediction

	// Compacted is set when the check ran an emergency compaction.
	// CompactedContent then holds the new log.
	Compacted        bool
	CompactedContent string

	Stopped bool
}

// Monitor tracks one session.
type Monitor struct {
	id      string
	cfg     Config
	counter *tokens.Counter
	pruner  Pruner
	source  Source
	pub     bus.Publisher
	logger  *zap.Logger

	mu      sync.Mutex
	level   Level
	trend   Trend
	history []Sample
	last    Status
	stopped bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor for sessionID. source, pruner and pub may be nil.
func New(sessionID string, cfg Config, counter *tokens.Counter, pruner Pruner, source Source, pub bus.Publisher, logger *zap.Logger) *Monitor {
	cfg.applyDefaults()
	if counter == nil {
		counter = tokens.NewCounter(tokens.Config{}, nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		id:      sessionID,
		cfg:     cfg,
		counter: counter,
		pruner:  pruner,
		source:  source,
		pub:     pub,
		logger:  logger.Named("monitor").With(zap.String("session", sessionID)),
		level:   LevelSafe,
		trend:   TrendStable,
	}
}

// SessionID returns the monitored session.
func (m *Monitor) SessionID() string { return m.id }

// Start polls the source every PollInterval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	if m.source == nil {
		return fmt.Errorf("monitor %s: no source to poll", m.id)
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor %s: already started", m.id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(runCtx)
	m.logger.Info("monitoring started", zap.Duration("interval", m.cfg.PollInterval))
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ticker.C:
			m.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	content, err := m.source.Content(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("failed to read session content", zap.Error(err))
		m.publish(bus.KindSourceReadFailed, map[string]any{"error": err.Error()})
		return
	}
	if _, err := m.Check(ctx, content); err != nil && !errors.Is(err, ErrStopped) {
		m.logger.Warn("check failed", zap.Error(err))
	}
}

// Check measures content, records it and handles level changes. It is the
// push-model entry point and is also what polling calls.
func (m *Monitor) Check(ctx context.Context, content string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return m.last, ErrStopped
	}
	return m.check(ctx, content, true), nil
}

// check runs with m.mu held.
func (m *Monitor) check(ctx context.Context, content string, allowCompact bool) Status {
	n := m.counter.Tokens(ctx, content)
	usage := m.counter.Usage(n)
	level := m.cfg.Thresholds.Level(usage.UsedPercentage)

	m.record(Sample{At: m.cfg.Now(), Tokens: n, Percentage: usage.UsedPercentage, Level: level})
	metrics.ContextTokens.WithLabelValues(m.id).Set(float64(n))
	metrics.ContextUsage.WithLabelValues(m.id).Set(usage.UsedPercentage)

	prev := m.level
	m.level = level
	st := Status{
		SessionID: m.id,
		Tokens:    n,
		Usage:     usage,
		Level:     level,
		Previous:  prev,
		Changed:   prev != level,
		Trend:     predict(m.history, m.cfg.TrendWindow, m.cfg.Thresholds, m.cfg.RapidGrowthSlope),
	}

	if st.Changed {
		m.emitTransition(prev, level, st)
	}
	if st.Trend.Trend == TrendRapidGrowth && m.trend != TrendRapidGrowth {
		m.publish(bus.KindRapidGrowth, map[string]any{
			"slope":      st.Trend.Slope,
			"percentage": usage.UsedPercentage,
			"eta":        etaPayload(st.Trend.ETA),
		})
	}
	m.trend = st.Trend.Trend
	m.last = st

	if st.Changed && level == LevelEmergency && allowCompact && m.cfg.AutoCompact {
		if compacted, ok := m.compact(ctx, content, n); ok {
			if m.wait(ctx) {
				st = m.check(ctx, compacted, false)
			}
			st.Compacted = true
			st.CompactedContent = compacted
			m.last = st
		}
	}
	return st
}

func (m *Monitor) record(s Sample) {
	m.history = append(m.history, s)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
}

// emitTransition publishes every threshold crossed on the way up, or the
// new level once on the way down.
func (m *Monitor) emitTransition(prev, cur Level, st Status) {
	var levels []Level
	if cur.rank() > prev.rank() {
		levels = levelsByRank[prev.rank()+1 : cur.rank()+1]
	} else {
		levels = []Level{cur}
	}
	for _, l := range levels {
		metrics.ThresholdEvents.WithLabelValues(string(l)).Inc()
		m.publish("threshold_"+string(l), map[string]any{
			"level":          string(l),
			"previous_level": string(prev),
			"threshold":      m.cfg.Thresholds.of(l),
			"tokens":         st.Tokens,
			"limit":          st.Usage.Limit,
			"percentage":     st.Usage.UsedPercentage,
		})
	}
	m.logger.Info("context level changed",
		zap.String("from", string(prev)),
		zap.String("to", string(cur)),
		zap.Float64("percentage", st.Usage.UsedPercentage),
	)
}

// compact runs the emergency prune, or basic truncation without a pruner.
// Failures, panics included, are reported as events.
func (m *Monitor) compact(ctx context.Context, content string, before int) (out string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.compactionFailed(fmt.Errorf("panic: %v", r))
			out, ok = "", false
		}
	}()

	strategy := "emergency_prune"
	if m.pruner != nil {
		out = m.pruner.EmergencyPrune(ctx, content, m.cfg.EmergencyTarget)
	} else {
		strategy = "basic_truncation"
		out = basicTruncate(content, m.cfg.Now())
	}

	if u, isUpdater := m.source.(Updater); isUpdater {
		if err := u.Update(ctx, out); err != nil {
			m.compactionFailed(fmt.Errorf("write compacted log: %w", err))
			return "", false
		}
	}

	after := m.counter.Tokens(ctx, out)
	metrics.Compactions.WithLabelValues("completed").Inc()
	m.publish(bus.KindCompactionCompleted, map[string]any{
		"strategy":      strategy,
		"tokens_before": before,
		"tokens_after":  after,
	})
	m.logger.Info("emergency compaction completed",
		zap.String("strategy", strategy),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", after),
	)
	return out, true
}

func (m *Monitor) compactionFailed(err error) {
	metrics.Compactions.WithLabelValues("failed").Inc()
	m.logger.Error("emergency compaction failed", zap.Error(err))
	m.publish(bus.KindCompactionFailed, map[string]any{"error": err.Error()})
}

func (m *Monitor) wait(ctx context.Context) bool {
	t := time.NewTimer(m.cfg.RecheckDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop ends polling and flushes a final stopped status. Repeated calls are
// no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.last.SessionID = m.id
	m.last.Stopped = true
	m.last.Level = m.level
	final := m.last
	m.mu.Unlock()

	m.publish(bus.KindMonitoringStopped, map[string]any{
		"level":  string(final.Level),
		"tokens": final.Tokens,
	})
	metrics.ForgetSession(m.id)
	m.logger.Info("monitoring stopped")
}

// Status returns the latest status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.last
	st.SessionID = m.id
	st.Level = m.level
	st.Stopped = m.stopped
	return st
}

// History returns a copy of the rolling samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sample(nil), m.history...)
}

// Predict analyses the current history.
func (m *Monitor) Predict() Prediction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return predict(m.history, m.cfg.TrendWindow, m.cfg.Thresholds, m.cfg.RapidGrowthSlope)
}

func (m *Monitor) publish(kind string, payload map[string]any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(bus.NewEvent(kind, m.id, payload))
}

func etaPayload(eta map[Level]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(eta))
	for l, d := range eta {
		out[string(l)] = d.Seconds()
	}
	return out
}
