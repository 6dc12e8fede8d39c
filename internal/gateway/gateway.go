package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/channel"
	"github.com/stellarlinkco/ctxkeeper/internal/config"
	"github.com/stellarlinkco/ctxkeeper/internal/cron"
	"github.com/stellarlinkco/ctxkeeper/internal/health"
	"github.com/stellarlinkco/ctxkeeper/internal/monitor"
	"github.com/stellarlinkco/ctxkeeper/internal/pruner"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
	"github.com/stellarlinkco/ctxkeeper/internal/workspace"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Options for creating a Gateway
type Options struct {
	Logger *zap.Logger

	// Oracle overrides the Anthropic counting oracle built from the
	// provider config.
	Oracle tokens.Oracle

	// Store overrides the archive store selected by the archive driver.
	Store archive.Store

	// Channels overrides the alert channel manager.
	Channels *channel.Manager

	SignalChan chan os.Signal // for testing
}

// Gateway owns every long-lived component. New builds them, Run starts the
// background work and Shutdown releases it.
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	Bus        *bus.Bus
	Counter    *tokens.Counter
	Pruner     *pruner.Pruner
	Monitors   *monitor.Registry
	Store      archive.Store
	Archive    *archive.Persistence
	Checker    *health.Checker
	Maintainer *health.Maintainer
	Cron       *cron.Service
	Channels   *channel.Manager
	Workspace  *workspace.Dir

	watcher    *workspace.Watcher
	server     *http.Server
	signalChan chan os.Signal

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{cfg: cfg, logger: logger.Named("gateway"), signalChan: opts.SignalChan}

	g.Bus = bus.New(logger)

	oracle := opts.Oracle
	if oracle == nil && cfg.Provider.APIKey != "" {
		o, err := tokens.NewAnthropicOracle(tokens.OracleConfig{
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
			Model:   cfg.Provider.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create token oracle: %w", err)
		}
		oracle = o
	}
	g.Counter = tokens.NewCounter(cfg.Tokens, oracle, logger)
	g.Pruner = pruner.New(cfg.Pruner, g.Counter, logger)
	g.Monitors = monitor.NewRegistry(cfg.Monitor, g.Counter, g.Pruner, g.Bus, logger)

	store := opts.Store
	if store == nil {
		var err error
		store, err = OpenStore(cfg.Archive)
		if err != nil {
			return nil, err
		}
	}
	g.Store = store
	g.Archive = archive.New(cfg.Archive.Config, store, g.Pruner, g.Counter, g.Bus, logger)

	ws, err := workspace.NewDir(cfg.Workspace.Dir, cfg.Workspace.Extension, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	g.Workspace = ws
	g.watcher = workspace.NewWatcher(ws, g.Monitors, logger)

	g.Checker = health.NewChecker(g.Counter, cfg.Health.LogSize, nil, logger)
	g.Maintainer = health.NewMaintainer(cfg.Health.Maintenance, g.Checker, ws, g.Archive, g.Bus, logger)
	g.Cron = cron.NewService(logger)

	g.Channels = opts.Channels
	if g.Channels == nil {
		g.Channels, err = channel.NewManager(cfg.Alerts, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create channel manager: %w", err)
		}
	}
	g.Channels.Attach(g.Bus, cfg.Alerts.Kinds)

	g.Bus.SubscribeAll(g.logEvent)
	return g, nil
}

func (g *Gateway) Config() *config.Config { return g.cfg }

// OpenStore opens the archive store selected by cfg.Driver.
func OpenStore(cfg config.ArchiveConfig) (archive.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := archive.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite archive: %w", err)
		}
		return s, nil
	case config.DriverFile, "":
		s, err := archive.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open file archive: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

func (g *Gateway) logEvent(ev bus.Event) {
	g.logger.Debug("event",
		zap.String("kind", ev.Kind),
		zap.String("session", ev.SessionID),
		zap.Any("payload", ev.Payload),
	)
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.Channels.EnabledChannels()))

	if g.cfg.Health.Enabled {
		if err := g.Maintainer.Schedule(g.Cron); err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("schedule maintenance: %w", err)
		}
	}
	g.Cron.Start(ctx)

	if g.cfg.Workspace.Watch {
		if err := g.watcher.Start(ctx); err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("watch workspace: %w", err)
		}
	}

	if g.cfg.Gateway.Port > 0 {
		ln, err := net.Listen("tcp", g.cfg.Gateway.Addr())
		if err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("listen %s: %w", g.cfg.Gateway.Addr(), err)
		}
		g.server = &http.Server{Handler: g.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("http server", zap.Error(err))
			}
		}()
		g.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	}

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	return g.Shutdown()
}

// Handler serves /metrics, /healthz and /sessions.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/sessions", g.handleSessions)
	return mux
}

type sessionView struct {
	ID         string                   `json:"id"`
	Tokens     int                      `json:"tokens"`
	Percentage float64                  `json:"percentage"`
	Level      monitor.Level            `json:"level"`
	Trend      monitor.Trend            `json:"trend"`
	ETA        map[monitor.Level]string `json:"eta,omitempty"`
}

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids := g.Monitors.Sessions()
	out := make([]sessionView, 0, len(ids))
	for _, id := range ids {
		m, ok := g.Monitors.Get(id)
		if !ok {
			continue
		}
		st := m.Status()
		p := m.Predict()
		v := sessionView{
			ID:         id,
			Tokens:     st.Tokens,
			Percentage: st.Usage.UsedPercentage,
			Level:      st.Level,
			Trend:      p.Trend,
		}
		if len(p.ETA) > 0 {
			v.ETA = make(map[monitor.Level]string, len(p.ETA))
			for l, d := range p.ETA {
				v.ETA[l] = d.Round(time.Second).String()
			}
		}
		out = append(out, v)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		g.logger.Warn("encode sessions", zap.Error(err))
	}
}

// Shutdown stops background work and closes the archive store. Only the
// first call has any effect.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		if err := g.watcher.Close(); err != nil {
			g.logger.Warn("close watcher", zap.Error(err))
		}
		g.Monitors.Shutdown()
		g.Cron.Stop()
		if g.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := g.server.Shutdown(ctx); err != nil {
				g.logger.Warn("stop http server", zap.Error(err))
			}
			cancel()
		}
		_ = g.Channels.StopAll()
		g.shutdownErr = g.Store.Close()
		g.logger.Info("shutdown complete")
	})
	return g.shutdownErr
}
