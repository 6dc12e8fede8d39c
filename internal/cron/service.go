// Package cron runs named background jobs on cron or interval schedules.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one scheduled run. The context ends when the service stops.
type Job func(ctx context.Context) error

type entry struct {
	id       rcron.EntryID
	spec     string
	job      Job
	lastRun  time.Time
	lastErr  error
	runCount int
}

// JobInfo is a snapshot of a registered job.
type JobInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	LastRun  time.Time
	LastErr  error
	RunCount int
}

// Service schedules jobs on a robfig cron with second precision. A job
// still running when its next tick arrives is skipped for that tick.
type Service struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	entries map[string]*entry
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cron")
	adapter := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron: rcron.New(
			rcron.WithSeconds(),
			rcron.WithLogger(adapter),
			rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
		),
		entries: make(map[string]*entry),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Every registers job to run at a fixed interval.
func (s *Service) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	return s.Add(name, "@every "+interval.String(), job)
}

// Add registers job under a cron spec (six fields, seconds first) or a
// descriptor such as "@every 6h". Names are unique.
func (s *Service) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	e := &entry{spec: spec, job: job}
	id, err := s.cron.AddFunc(spec, func() { s.execute(name, e) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, spec, err)
	}
	e.id = id
	s.entries[name] = e
	return nil
}

// Remove unregisters a job. Unknown names are ignored.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, name)
	}
}

// Trigger runs a registered job immediately on the calling goroutine.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name, e)
}

func (s *Service) execute(name string, e *entry) error {
	start := time.Now()
	s.logger.Debug("executing job", zap.String("job", name))
	err := e.job(s.ctx)

	s.mu.Lock()
	e.lastRun = start
	e.lastErr = err
	e.runCount++
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}
	return err
}

// Jobs lists registered jobs sorted by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, JobInfo{
			Name:     name,
			Spec:     e.spec,
			Next:     s.cron.Entry(e.id).Next,
			LastRun:  e.lastRun,
			LastErr:  e.lastErr,
			RunCount: e.runCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins scheduling. The service stops when ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
}

// Stop cancels running jobs and waits up to five seconds for them to
// return. Repeated calls are no-ops.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	started := s.started
	s.mu.Unlock()

	if started {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timed out waiting for running jobs")
		}
	}
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts zap to the robfig logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
