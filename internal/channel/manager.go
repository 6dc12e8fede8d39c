package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/config"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds events waiting for delivery.
const DefaultQueueSize = 64

// Manager forwards subscribed bus events to every channel. Delivery runs on
// its own goroutine; a full queue drops events rather than stalling the
// publisher.
type Manager struct {
	channels map[string]Channel
	logger   *zap.Logger

	queue chan bus.Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func NewManager(cfg config.AlertsConfig, logger *zap.Logger) (*Manager, error) {
	return newManager(cfg, defaultBotFactory, logger)
}

func newManager(cfg config.AlertsConfig, factory BotFactory, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		channels: make(map[string]Channel),
		logger:   logger.Named("channels"),
		queue:    make(chan bus.Event, DefaultQueueSize),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramAlerterWithFactory(cfg.Telegram, factory, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}
	return m, nil
}

// Add registers ch. Channels added after StartAll are not started.
func (m *Manager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
}

// Attach subscribes the manager to kinds on b.
func (m *Manager) Attach(b *bus.Bus, kinds []string) {
	if len(m.channels) == 0 || len(kinds) == 0 {
		return
	}
	b.Subscribe(m.enqueue, kinds...)
}

func (m *Manager) enqueue(ev bus.Event) {
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("alert queue full, dropping event",
			zap.String("kind", ev.Kind),
			zap.String("session", ev.SessionID),
		)
	}
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	for _, name := range m.EnabledChannels() {
		m.logger.Info("starting channel", zap.String("channel", name))
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.wg.Add(1)
	go m.deliver(ctx)
	return nil
}

func (m *Manager) deliver(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.dispatch(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-m.queue:
					m.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) dispatch(ev bus.Event) {
	for _, name := range m.EnabledChannels() {
		if err := m.channels[name].Send(ev); err != nil {
			m.logger.Warn("alert delivery failed",
				zap.String("channel", name),
				zap.String("kind", ev.Kind),
				zap.Error(err),
			)
		}
	}
}

// StopAll drains queued events and stops every channel.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	if m.started {
		m.cancel()
		m.started = false
	}
	m.mu.Unlock()
	m.wg.Wait()

	for _, name := range m.EnabledChannels() {
		m.logger.Info("stopping channel", zap.String("channel", name))
		if err := m.channels[name].Stop(); err != nil {
			m.logger.Warn("stop channel", zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

// EnabledChannels returns channel names in sorted order.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
