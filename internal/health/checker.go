package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/metrics"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"go.uber.org/zap"
)

// DefaultLogSize bounds the per-session health log.
const DefaultLogSize = 100

// Checker computes health records and keeps a bounded log per session.
type Checker struct {
	counter TokenCounter
	logSize int
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.Mutex
	logs map[string][]Record
}

// NewChecker creates a Checker. A nil counter uses the fallback estimate.
func NewChecker(counter TokenCounter, logSize int, now func() time.Time, logger *zap.Logger) *Checker {
	if counter == nil {
		counter = tokens.NewCounter(tokens.Config{}, nil, logger)
	}
	if logSize <= 0 {
		logSize = DefaultLogSize
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		counter: counter,
		logSize: logSize,
		now:     now,
		logger:  logger.Named("health"),
		logs:    make(map[string][]Record),
	}
}

// Calculate scores s and appends the record to its log. meta may be nil.
func (c *Checker) Calculate(ctx context.Context, s Session, meta *archive.Metadata) Record {
	rec := calculate(ctx, c.counter, s, meta, c.now())

	c.mu.Lock()
	log := append(c.logs[s.ID], rec)
	if over := len(log) - c.logSize; over > 0 {
		log = append(log[:0], log[over:]...)
	}
	c.logs[s.ID] = log
	c.mu.Unlock()

	metrics.HealthScore.WithLabelValues(s.ID).Set(rec.Overall)
	c.logger.Debug("health calculated",
		zap.String("session", s.ID),
		zap.Float64("overall", rec.Overall),
		zap.String("level", string(rec.Level)),
	)
	return rec
}

// Log returns a copy of the session's health records, oldest first.
func (c *Checker) Log(sessionID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.logs[sessionID]...)
}

// Sessions lists sessions with at least one record.
func (c *Checker) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.logs))
	for id := range c.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
