package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/cron"
	"github.com/stellarlinkco/ctxkeeper/internal/metrics"
	"go.uber.org/zap"
)

// Maintenance actions.
const (
	ActionArchive      = "archive"
	ActionAlert        = "alert"
	ActionFlagCleanup  = "flag_cleanup"
	maintenanceJobName = "health-maintenance"
)

// Skip reasons.
const (
	SkipInFlight = "already_running"
	SkipCapacity = "concurrency_cap"
)

// Action thresholds.
const (
	archiveFreshnessBelow = 0.3
	archiveIntegrityAbove = 0.8
	cleanupIntegrityBelow = 0.3
)

// Defaults.
const (
	DefaultInterval      = 6 * time.Hour
	DefaultQuietStart    = 22
	DefaultQuietEnd      = 6
	DefaultMaxConcurrent = 3
)

// ErrQuietHours is returned by Sweep during quiet hours.
var ErrQuietHours = errors.New("maintenance skipped during quiet hours")

// SessionProvider lists the sessions to maintain.
type SessionProvider interface {
	Sessions(ctx context.Context) ([]Session, error)
}

// Archiver is the part of archive.Persistence maintenance needs.
type Archiver interface {
	Archive(ctx context.Context, id string, data archive.SessionData, scope archive.Scope) (archive.Metadata, error)
	Metadata(ctx context.Context, id string, scope archive.Scope) (archive.Metadata, error)
	Stored(ctx context.Context, id string, scope archive.Scope) (string, error)
}

// MaintenanceConfig tunes the scheduler.
type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval"`

	// QuietStart and QuietEnd are hours of day; the window may wrap
	// midnight. Equal values disable quiet hours.
	QuietStart int `mapstructure:"quiet_start"`
	QuietEnd   int `mapstructure:"quiet_end"`

	MaxConcurrent int `mapstructure:"max_concurrent"`

	Now func() time.Time `mapstructure:"-"`
}

// DefaultMaintenanceConfig returns the stock schedule.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:      DefaultInterval,
		QuietStart:    DefaultQuietStart,
		QuietEnd:      DefaultQuietEnd,
		MaxConcurrent: DefaultMaxConcurrent,
	}
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks hour ranges.
func (c MaintenanceConfig) Validate() error {
	if c.QuietStart < 0 || c.QuietStart > 23 || c.QuietEnd < 0 || c.QuietEnd > 23 {
		return fmt.Errorf("quiet hours must be within 0..23, got %d-%d", c.QuietStart, c.QuietEnd)
	}
	return nil
}

// InQuietHours reports whether t falls in the quiet window.
func (c MaintenanceConfig) InQuietHours(t time.Time) bool {
	h := t.Hour()
	switch {
	case c.QuietStart == c.QuietEnd:
		return false
	case c.QuietStart < c.QuietEnd:
		return h >= c.QuietStart && h < c.QuietEnd
	default:
		return h >= c.QuietStart || h < c.QuietEnd
	}
}

// MaintenanceResult is the outcome for one session.
type MaintenanceResult struct {
	ID         string
	Skipped    bool
	SkipReason string
	Actions    []string
	Health     *Record
	Err        error
}

// Maintainer runs health-driven maintenance over all sessions.
type Maintainer struct {
	cfg      MaintenanceConfig
	checker  *Checker
	provider SessionProvider
	archiver Archiver
	pub      bus.Publisher
	logger   *zap.Logger

	slots chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	flagged  map[string]time.Time
}

func NewMaintainer(cfg MaintenanceConfig, checker *Checker, provider SessionProvider, archiver Archiver, pub bus.Publisher, logger *zap.Logger) *Maintainer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintainer{
		cfg:      cfg,
		checker:  checker,
		provider: provider,
		archiver: archiver,
		pub:      pub,
		logger:   logger.Named("maintenance"),
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]bool),
		flagged:  make(map[string]time.Time),
	}
}

// Schedule registers the periodic sweep on svc.
func (m *Maintainer) Schedule(svc *cron.Service) error {
	return svc.Every(maintenanceJobName, m.cfg.Interval, func(ctx context.Context) error {
		_, err := m.Sweep(ctx)
		if errors.Is(err, ErrQuietHours) {
			return nil
		}
		return err
	})
}

// Sweep maintains every session from the provider. Sessions that find no
// free slot are skipped until the next sweep.
func (m *Maintainer) Sweep(ctx context.Context) ([]MaintenanceResult, error) {
	if m.cfg.InQuietHours(m.cfg.Now()) {
		m.logger.Debug("sweep skipped: quiet hours")
		metrics.MaintenanceRuns.WithLabelValues("quiet").Inc()
		return nil, ErrQuietHours
	}
	sessions, err := m.provider.Sessions(ctx)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	results := make([]MaintenanceResult, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		select {
		case m.slots <- struct{}{}:
		default:
			results[i] = MaintenanceResult{ID: s.ID, Skipped: true, SkipReason: SkipCapacity}
			continue
		}
		wg.Add(1)
		go func(i int, s Session) {
			defer wg.Done()
			defer func() { <-m.slots }()
			results[i] = m.RunSession(ctx, s)
		}(i, s)
	}
	wg.Wait()

	metrics.MaintenanceRuns.WithLabelValues("completed").Inc()
	m.logger.Info("maintenance sweep finished", zap.Int("sessions", len(sessions)))
	return results, nil
}

// RunSession maintains one session. A session already being maintained is
// skipped.
func (m *Maintainer) RunSession(ctx context.Context, s Session) MaintenanceResult {
	res := MaintenanceResult{ID: s.ID}
	m.mu.Lock()
	if m.inflight[s.ID] {
		m.mu.Unlock()
		res.Skipped = true
		res.SkipReason = SkipInFlight
		return res
	}
	m.inflight[s.ID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, s.ID)
		m.mu.Unlock()
	}()

	if err := m.maintain(ctx, s, &res); err != nil {
		res.Err = err
		m.logger.Error("maintenance failed", zap.String("session", s.ID), zap.Error(err))
		m.publish(bus.KindMaintenanceFailed, s.ID, map[string]any{
			"error":   err.Error(),
			"actions": res.Actions,
		})
		return res
	}
	m.publish(bus.KindMaintenanceCompleted, s.ID, map[string]any{
		"actions": res.Actions,
		"score":   res.Health.Overall,
		"level":   string(res.Health.Level),
	})
	return res
}

// Assess scores s and records it in the checker log. A session whose
// archive covers its last activity is scored on the stored archive, so a
// fingerprint mismatch lowers integrity. Any other session is scored live,
// without archive metadata.
func (m *Maintainer) Assess(ctx context.Context, s Session) (rec Record, archived bool, err error) {
	if s.Scope == "" {
		s.Scope = archive.ScopeSession
	}
	if m.archiver == nil {
		return m.checker.Calculate(ctx, s, nil), false, nil
	}

	meta, err := m.archiver.Metadata(ctx, s.ID, s.Scope)
	switch {
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrScopeMismatch):
		return m.checker.Calculate(ctx, s, nil), false, nil
	case err != nil:
		return Record{}, false, fmt.Errorf("load archive metadata: %w", err)
	case meta.LastActivity.Before(s.LastActivity):
		return m.checker.Calculate(ctx, s, nil), false, nil
	}

	stored, err := m.archiver.Stored(ctx, s.ID, s.Scope)
	if err != nil {
		return Record{}, true, fmt.Errorf("load archived content: %w", err)
	}
	s.Content = stored
	s.Archived = true
	return m.checker.Calculate(ctx, s, &meta), true, nil
}

func (m *Maintainer) maintain(ctx context.Context, s Session, res *MaintenanceResult) error {
	scope := s.Scope
	if scope == "" {
		scope = archive.ScopeSession
	}

	rec, archived, err := m.Assess(ctx, s)
	if err != nil {
		return err
	}
	res.Health = &rec
	m.logger.Info("session health",
		zap.String("session", s.ID),
		zap.Float64("overall", rec.Overall),
		zap.String("level", string(rec.Level)),
		zap.Bool("archived", archived),
	)

	if rec.Scores.Freshness < archiveFreshnessBelow && rec.Scores.Integrity > archiveIntegrityAbove && !archived && m.archiver != nil {
		_, err := m.archiver.Archive(ctx, s.ID, archive.SessionData{
			Content:      s.Content,
			LastActivity: s.LastActivity,
			EventsCount:  s.EventsCount,
			StackDepth:   s.StackDepth,
			CurrentTask:  s.CurrentTask,
		}, scope)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		res.Actions = append(res.Actions, ActionArchive)
	}

	if rec.Level == LevelCritical || rec.Level == LevelFailing {
		m.publish(bus.KindHealthAlert, s.ID, map[string]any{
			"score":           rec.Overall,
			"level":           string(rec.Level),
			"recommendations": rec.Recommendations,
		})
		res.Actions = append(res.Actions, ActionAlert)
	}

	if rec.Level == LevelFailing && rec.Scores.Integrity < cleanupIntegrityBelow {
		m.mu.Lock()
		m.flagged[s.ID] = m.cfg.Now()
		m.mu.Unlock()
		res.Actions = append(res.Actions, ActionFlagCleanup)
	}
	return nil
}

// FlaggedForCleanup lists sessions marked for cleanup, sorted.
func (m *Maintainer) FlaggedForCleanup() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.flagged))
	for id := range m.flagged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Maintainer) publish(kind, id string, payload map[string]any) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(bus.NewEvent(kind, id, payload))
}
