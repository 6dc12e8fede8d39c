package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"go.uber.org/zap"
)

// Registry owns the monitors of all active sessions.
type Registry struct {
	cfg     Config
	counter *tokens.Counter
	pruner  Pruner
	pub     bus.Publisher
	logger  *zap.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
}

func NewRegistry(cfg Config, counter *tokens.Counter, pruner Pruner, pub bus.Publisher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		counter:  counter,
		pruner:   pruner,
		pub:      pub,
		logger:   logger,
		monitors: make(map[string]*Monitor),
	}
}

// Start begins polling src for sessionID.
func (r *Registry) Start(ctx context.Context, sessionID string, src Source) (*Monitor, error) {
	r.mu.Lock()
	if _, ok := r.monitors[sessionID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s is already monitored", sessionID)
	}
	m := New(sessionID, r.cfg, r.counter, r.pruner, src, r.pub, r.logger)
	r.monitors[sessionID] = m
	r.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.monitors, sessionID)
		r.mu.Unlock()
		return nil, err
	}
	return m, nil
}

// Check pushes content for sessionID, creating a push-only monitor on
// first use.
func (r *Registry) Check(ctx context.Context, sessionID, content string) (Status, error) {
	r.mu.Lock()
	m, ok := r.monitors[sessionID]
	if !ok {
		m = New(sessionID, r.cfg, r.counter, r.pruner, nil, r.pub, r.logger)
		r.monitors[sessionID] = m
	}
	r.mu.Unlock()
	return m.Check(ctx, content)
}

// Get returns the monitor for sessionID.
func (r *Registry) Get(sessionID string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[sessionID]
	return m, ok
}

// Sessions lists monitored session IDs, sorted.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop stops and forgets sessionID. Unknown sessions are ignored.
func (r *Registry) Stop(sessionID string) {
	r.mu.Lock()
	m, ok := r.monitors[sessionID]
	delete(r.monitors, sessionID)
	r.mu.Unlock()
	if ok {
		m.Stop()
	}
}

// Shutdown stops every monitor.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := r.monitors
	r.monitors = make(map[string]*Monitor)
	r.mu.Unlock()
	for _, m := range all {
		m.Stop()
	}
}
