// Package archive moves idle session contexts into long-term storage.
//
// The tier is chosen from idle age alone, and each tier's target ratio is
// achieved by the pruner. The stored fingerprint covers the pruned content
// so that a restore can detect corruption. A mismatch is reported, not
// fatal.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stellarlinkco/ctxkeeper/internal/metrics"
	"github.com/stellarlinkco/ctxkeeper/internal/pruner"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultRestoreBudget    = time.Second
	DefaultRestoreNoticeGap = 24 * time.Hour
	DefaultSessionRetention = 365
	DefaultProjectRetention = 730
	TypeContextRestoration  = "context_restoration"
)

// Pruner reduces content for a tier.
type Pruner interface {
	Prune(ctx context.Context, content string, targetReduction float64, mode pruner.Mode) pruner.Result
}

// SessionData is what gets archived.
type SessionData struct {
	Content      string
	LastActivity time.Time
	EventsCount  int
	StackDepth   int
	CurrentTask  string
}

// Config tunes Persistence. Zero values take defaults.
type Config struct {
	// RestoreBudget is the soft latency target of Restore.
	RestoreBudget time.Duration `mapstructure:"restore_budget"`

	// RestoreNoticeGap is the idle gap above which a restoration notice
	// is prepended.
	RestoreNoticeGap time.Duration `mapstructure:"restore_notice_gap"`

	// RetentionDays per scope, used by CleanupExpired when it is given no
	// explicit window.
	SessionRetentionDays int `mapstructure:"session_retention_days"`
	ProjectRetentionDays int `mapstructure:"project_retention_days"`

	Now func() time.Time `mapstructure:"-"`
}

func (c *Config) applyDefaults() {
	if c.RestoreBudget <= 0 {
		c.RestoreBudget = DefaultRestoreBudget
	}
	if c.RestoreNoticeGap <= 0 {
		c.RestoreNoticeGap = DefaultRestoreNoticeGap
	}
	if c.SessionRetentionDays <= 0 {
		c.SessionRetentionDays = DefaultSessionRetention
	}
	if c.ProjectRetentionDays <= 0 {
		c.ProjectRetentionDays = DefaultProjectRetention
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c Config) retention(scope Scope) int {
	if scope == ScopeProject {
		return c.ProjectRetentionDays
	}
	return c.SessionRetentionDays
}

// Restored is the result of a restore.
type Restored struct {
	Content  string
	Metadata Metadata

	// TimeGap is the time since the session's last activity.
	TimeGap time.Duration

	RestoreTime    time.Duration
	PerformanceMet bool

	// IntegrityWarning is set when the content no longer matches its
	// fingerprint.
	IntegrityWarning bool
}

// CleanupReport summarizes a cleanup sweep.
type CleanupReport struct {
	Scanned    int
	Deleted    int
	BytesFreed int64
	Errors     []string
}

// ScopeStats counts archives in one scope.
type ScopeStats struct {
	Count   int
	Bytes   int64
	ByLevel map[string]int
}

// Persistence archives and restores contexts through a Store.
type Persistence struct {
	cfg     Config
	store   Store
	pruner  Pruner
	counter *tokens.Counter
	pub     bus.Publisher
	logger  *zap.Logger
}

func New(cfg Config, store Store, p Pruner, counter *tokens.Counter, pub bus.Publisher, logger *zap.Logger) *Persistence {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokens.NewCounter(tokens.Config{}, nil, logger)
	}
	if p == nil {
		p = pruner.New(pruner.Config{Now: cfg.Now}, counter, logger)
	}
	return &Persistence{
		cfg:     cfg,
		store:   store,
		pruner:  p,
		counter: counter,
		pub:     pub,
		logger:  logger.Named("archive"),
	}
}

// Fingerprint is the hex BLAKE3 digest of content.
func Fingerprint(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Archive compresses data for its idle tier and stores it under (scope, id),
// replacing any earlier archive of the same key.
func (p *Persistence) Archive(ctx context.Context, id string, data SessionData, scope Scope) (Metadata, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return Metadata{}, opErr("archive", scope, id, err)
	}
	if !validID(id) {
		return Metadata{}, opErr("archive", scope, id, ErrInvalidID)
	}

	now := p.cfg.Now()
	last := data.LastActivity
	if last.IsZero() || last.After(now) {
		last = now
	}
	idle := now.Sub(last)
	level := LevelFor(idle)
	mode, target := level.plan()

	res := p.pruner.Prune(ctx, data.Content, target, mode)
	compressed := res.Content

	meta := Metadata{
		ID:               id,
		Scope:            scope,
		Level:            level.Name,
		OriginalSize:     len(data.Content),
		CompressedSize:   len(compressed),
		OriginalTokens:   res.OriginalTokens,
		CompressedTokens: res.FinalTokens,
		CompressionRatio: 1,
		Fingerprint:      Fingerprint(compressed),
		ArchivedAt:       now,
		LastActivity:     last,
		AgeDays:          idle.Hours() / 24,
		Strategies:       res.Strategies,
		Session: Snapshot{
			EventsCount: data.EventsCount,
			StackDepth:  data.StackDepth,
			CurrentTask: data.CurrentTask,
		},
	}
	if meta.OriginalSize > 0 {
		meta.CompressionRatio = float64(meta.CompressedSize) / float64(meta.OriginalSize)
	}

	if err := p.store.Put(ctx, meta, compressed); err != nil {
		metrics.ArchiveOps.WithLabelValues("archive", "error").Inc()
		return Metadata{}, opErr("archive", scope, id, err)
	}
	metrics.ArchiveOps.WithLabelValues("archive", "ok").Inc()

	p.logger.Info("context archived",
		zap.String("id", id),
		zap.String("scope", string(scope)),
		zap.String("level", level.Name),
		zap.Float64("ratio", meta.CompressionRatio),
		zap.Float64("target_ratio", level.Ratio),
	)
	p.publish(bus.KindArchived, id, map[string]any{
		"scope":             string(scope),
		"level":             level.Name,
		"compression_ratio": meta.CompressionRatio,
		"original_tokens":   meta.OriginalTokens,
		"compressed_tokens": meta.CompressedTokens,
	})
	return meta, nil
}

// Metadata loads the metadata of (scope, id). An id archived under another
// scope yields ErrScopeMismatch.
func (p *Persistence) Metadata(ctx context.Context, id string, scope Scope) (Metadata, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return Metadata{}, opErr("restore", scope, id, err)
	}
	meta, err := p.store.Metadata(ctx, scope, id)
	if errors.Is(err, ErrNotFound) {
		for _, other := range Scopes {
			if other == scope {
				continue
			}
			if _, oerr := p.store.Metadata(ctx, other, id); oerr == nil {
				return Metadata{}, opErr("restore", scope, id,
					fmt.Errorf("%w: archived under %s", ErrScopeMismatch, other))
			}
		}
		return Metadata{}, opErr("restore", scope, id, ErrNotFound)
	}
	if err != nil {
		return Metadata{}, opErr("restore", scope, id, err)
	}
	if meta.Scope != scope {
		return Metadata{}, opErr("restore", scope, id,
			fmt.Errorf("%w: metadata records %s", ErrScopeMismatch, meta.Scope))
	}
	return meta, nil
}

// Stored returns the archived content of (scope, id) exactly as written,
// without a restoration notice.
func (p *Persistence) Stored(ctx context.Context, id string, scope Scope) (string, error) {
	content, err := p.store.Content(ctx, scope, id)
	return content, opErr("read", scope, id, err)
}

// Restore loads the archive of (scope, id). Metadata is checked before the
// content is read.
func (p *Persistence) Restore(ctx context.Context, id string, scope Scope) (*Restored, error) {
	start := time.Now()
	meta, err := p.Metadata(ctx, id, scope)
	if err != nil {
		metrics.ArchiveOps.WithLabelValues("restore", "error").Inc()
		return nil, err
	}
	content, err := p.store.Content(ctx, scope, id)
	if err != nil {
		metrics.ArchiveOps.WithLabelValues("restore", "error").Inc()
		return nil, opErr("restore", scope, id, err)
	}

	out := &Restored{Metadata: meta, Content: content}
	if Fingerprint(content) != meta.Fingerprint {
		out.IntegrityWarning = true
		p.logger.Warn("archived content does not match its fingerprint",
			zap.String("id", id),
			zap.String("scope", string(scope)),
		)
	}

	now := p.cfg.Now()
	out.TimeGap = now.Sub(meta.LastActivity)
	if out.TimeGap > p.cfg.RestoreNoticeGap {
		out.Content = restorationNotice(now, out.TimeGap, meta).Raw + eventlog.Separator + content
	}

	out.RestoreTime = time.Since(start)
	out.PerformanceMet = out.RestoreTime <= p.cfg.RestoreBudget
	if !out.PerformanceMet {
		p.logger.Warn("restore exceeded its time budget",
			zap.String("id", id),
			zap.Duration("took", out.RestoreTime),
			zap.Duration("budget", p.cfg.RestoreBudget),
		)
	}
	metrics.ArchiveOps.WithLabelValues("restore", "ok").Inc()
	metrics.RestoreDuration.Observe(out.RestoreTime.Seconds())
	p.publish(bus.KindRestored, id, map[string]any{
		"scope":             string(scope),
		"level":             meta.Level,
		"time_gap_hours":    out.TimeGap.Hours(),
		"integrity_warning": out.IntegrityWarning,
		"performance_met":   out.PerformanceMet,
	})
	return out, nil
}

func restorationNotice(now time.Time, gap time.Duration, meta Metadata) eventlog.Event {
	body := fmt.Sprintf("time_gap: %s\nidle_days: %.1f\narchive_level: %s\ncompression_ratio: %.2f\narchived_at: %s\nnote: content may be stale or summarized",
		formatGap(gap), gap.Hours()/24, meta.Level, meta.CompressionRatio, meta.ArchivedAt.UTC().Format(time.RFC3339))
	return eventlog.NewEvent(TypeContextRestoration, now, body)
}

func formatGap(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// CleanupExpired deletes Deep-Sleep archives whose last activity is older
// than retentionDays. A non-positive retentionDays uses each scope's
// configured retention. Other tiers are never deleted.
func (p *Persistence) CleanupExpired(ctx context.Context, retentionDays int) (CleanupReport, error) {
	var report CleanupReport
	now := p.cfg.Now()
	for _, scope := range Scopes {
		days := retentionDays
		if days <= 0 {
			days = p.cfg.retention(scope)
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

		list, err := p.store.List(ctx, scope)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			if ctx.Err() != nil {
				break
			}
		}
		for _, meta := range list {
			report.Scanned++
			if meta.Level != LevelDeepSleep.Name || !meta.LastActivity.Before(cutoff) {
				continue
			}
			freed, err := p.store.Delete(ctx, scope, meta.ID)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
				metrics.ArchiveOps.WithLabelValues("cleanup", "error").Inc()
				continue
			}
			report.Deleted++
			report.BytesFreed += freed
			metrics.ArchiveOps.WithLabelValues("cleanup", "ok").Inc()
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	p.logger.Info("expired archives cleaned up",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", report.Deleted),
		zap.Int64("bytes_freed", report.BytesFreed),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// Stats counts archives and stored bytes per scope and level. Unreadable
// entries are left out of the counts and reported in the joined error.
func (p *Persistence) Stats(ctx context.Context) (map[Scope]ScopeStats, error) {
	out := make(map[Scope]ScopeStats, len(Scopes))
	var errs []error
	for _, scope := range Scopes {
		list, err := p.store.List(ctx, scope)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
		}
		st := ScopeStats{ByLevel: map[string]int{}}
		for _, meta := range list {
			st.Count++
			st.Bytes += int64(meta.CompressedSize)
			st.ByLevel[meta.Level]++
		}
		out[scope] = st
	}
	return out, errors.Join(errs...)
}

func (p *Persistence) publish(kind, id string, payload map[string]any) {
	if p.pub == nil {
		return
	}
	p.pub.Publish(bus.NewEvent(kind, id, payload))
}
