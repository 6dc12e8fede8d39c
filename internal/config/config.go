package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/stellarlinkco/ctxkeeper/internal/archive"
	"github.com/stellarlinkco/ctxkeeper/internal/bus"
	"github.com/stellarlinkco/ctxkeeper/internal/eventlog"
	"github.com/stellarlinkco/ctxkeeper/internal/health"
	"github.com/stellarlinkco/ctxkeeper/internal/monitor"
	"github.com/stellarlinkco/ctxkeeper/internal/pruner"
	"github.com/stellarlinkco/ctxkeeper/internal/tokens"
)

const (
	EnvPrefix        = "CTXKEEPER"
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 18790
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
	DefaultExtension = ".log"

	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// DefaultAlertKinds are forwarded to alert channels unless configured.
var DefaultAlertKinds = []string{
	bus.KindThresholdCritical,
	bus.KindThresholdEmergency,
	bus.KindRapidGrowth,
	bus.KindCompactionFailed,
	bus.KindHealthAlert,
	bus.KindMaintenanceFailed,
}

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Tokens    tokens.Config   `mapstructure:"tokens"`
	Pruner    pruner.Config   `mapstructure:"pruner"`
	Monitor   monitor.Config  `mapstructure:"monitor"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Health    HealthConfig    `mapstructure:"health"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// GatewayConfig is the listen address of the metrics endpoint.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// ProviderConfig enables the precise token counting oracle when APIKey is set.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type ArchiveConfig struct {
	Driver         string `mapstructure:"driver"`
	Dir            string `mapstructure:"dir"`
	DBPath         string `mapstructure:"db_path"`
	archive.Config `mapstructure:",squash"`
}

type HealthConfig struct {
	Enabled     bool                     `mapstructure:"enabled"`
	LogSize     int                      `mapstructure:"log_size"`
	Maintenance health.MaintenanceConfig `mapstructure:"maintenance"`
}

// WorkspaceConfig points at the directory holding one event log per session.
type WorkspaceConfig struct {
	Dir       string `mapstructure:"dir"`
	Extension string `mapstructure:"extension"`
	Watch     bool   `mapstructure:"watch"`
}

type AlertsConfig struct {
	Kinds    []string       `mapstructure:"kinds"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
	Proxy   string `mapstructure:"proxy"`
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".ctxkeeper")
}

func setDefaults(v *viper.Viper) {
	dir := ConfigDir()

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("gateway.host", DefaultHost)
	v.SetDefault("gateway.port", DefaultPort)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.model", tokens.DefaultOracleModel)

	v.SetDefault("tokens.ratio", tokens.DefaultRatio)
	v.SetDefault("tokens.cache_size", tokens.DefaultCacheSize)
	v.SetDefault("tokens.oracle_timeout", tokens.DefaultOracleTimeout)
	v.SetDefault("tokens.profile", tokens.DefaultProfile)
	v.SetDefault("tokens.breakpoints.near_limit", tokens.DefaultNearLimitPercent)
	v.SetDefault("tokens.breakpoints.critical", tokens.DefaultCriticalPercent)
	v.SetDefault("tokens.breakpoints.compact", tokens.DefaultCompactPercent)

	v.SetDefault("pruner.essential_types", eventlog.DefaultEssentialTypes)
	v.SetDefault("pruner.preserve_last_n", pruner.DefaultPreserveLastN)
	v.SetDefault("pruner.resolved_grace", pruner.DefaultResolvedGrace)
	v.SetDefault("pruner.compact_age", pruner.DefaultCompactAge)
	v.SetDefault("pruner.similarity_threshold", pruner.DefaultSimilarityThreshold)
	v.SetDefault("pruner.group_key_length", pruner.DefaultGroupKeyLength)
	v.SetDefault("pruner.min_floor_tokens", pruner.DefaultMinFloorTokens)
	v.SetDefault("pruner.floor_fraction", pruner.DefaultFloorFraction)
	v.SetDefault("pruner.emergency_keep_fraction", pruner.DefaultEmergencyKeepFraction)
	v.SetDefault("pruner.emergency_keep_min", pruner.DefaultEmergencyKeepMin)
	v.SetDefault("pruner.summarize_keep_factor", pruner.DefaultSummarizeKeepFactor)

	v.SetDefault("monitor.thresholds.warning", monitor.DefaultWarning)
	v.SetDefault("monitor.thresholds.critical", monitor.DefaultCritical)
	v.SetDefault("monitor.thresholds.emergency", monitor.DefaultEmergency)
	v.SetDefault("monitor.poll_interval", monitor.DefaultPollInterval)
	v.SetDefault("monitor.history_size", monitor.DefaultHistorySize)
	v.SetDefault("monitor.trend_window", monitor.DefaultTrendWindow)
	v.SetDefault("monitor.auto_compact", true)
	v.SetDefault("monitor.recheck_delay", monitor.DefaultRecheckDelay)
	v.SetDefault("monitor.emergency_target", monitor.DefaultEmergencyTarget)
	v.SetDefault("monitor.rapid_growth_slope", monitor.DefaultRapidGrowthSlope)

	v.SetDefault("archive.driver", DriverFile)
	v.SetDefault("archive.dir", filepath.Join(dir, "archive"))
	v.SetDefault("archive.db_path", filepath.Join(dir, "archive.db"))
	v.SetDefault("archive.restore_budget", archive.DefaultRestoreBudget)
	v.SetDefault("archive.restore_notice_gap", archive.DefaultRestoreNoticeGap)
	v.SetDefault("archive.session_retention_days", archive.DefaultSessionRetention)
	v.SetDefault("archive.project_retention_days", archive.DefaultProjectRetention)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.log_size", health.DefaultLogSize)
	v.SetDefault("health.maintenance.interval", health.DefaultInterval)
	v.SetDefault("health.maintenance.quiet_start", health.DefaultQuietStart)
	v.SetDefault("health.maintenance.quiet_end", health.DefaultQuietEnd)
	v.SetDefault("health.maintenance.max_concurrent", health.DefaultMaxConcurrent)

	v.SetDefault("workspace.dir", filepath.Join(dir, "sessions"))
	v.SetDefault("workspace.extension", DefaultExtension)
	v.SetDefault("workspace.watch", true)

	v.SetDefault("alerts.kinds", DefaultAlertKinds)
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.token", "")
	v.SetDefault("alerts.telegram.chat_id", 0)
	v.SetDefault("alerts.telegram.proxy", "")
}

// Load reads configuration from path, or from config.* in ConfigDir when
// path is empty. A missing default file is not an error. Environment
// variables prefixed with CTXKEEPER_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(ConfigDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("CTXKEEPER_TELEGRAM_TOKEN"); token != "" {
		cfg.Alerts.Telegram.Token = token
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port out of range: %d", c.Gateway.Port)
	}
	if c.Tokens.Ratio <= 0 {
		return fmt.Errorf("tokens: ratio must be positive, got %v", c.Tokens.Ratio)
	}
	if err := c.Pruner.Validate(); err != nil {
		return fmt.Errorf("pruner: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor: poll interval must be positive, got %s", c.Monitor.PollInterval)
	}
	if t := c.Monitor.EmergencyTarget; t <= 0 || t > 1 {
		return fmt.Errorf("monitor: emergency target must be within (0,1], got %v", t)
	}
	switch c.Archive.Driver {
	case DriverFile:
		if c.Archive.Dir == "" {
			return errors.New("archive: dir is required for the file driver")
		}
	case DriverSQLite:
		if c.Archive.DBPath == "" {
			return errors.New("archive: db_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("archive: unknown driver %q", c.Archive.Driver)
	}
	if c.Health.Maintenance.Interval <= 0 {
		return fmt.Errorf("health: maintenance interval must be positive, got %s", c.Health.Maintenance.Interval)
	}
	if err := c.Health.Maintenance.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.Token == "" {
			return errors.New("alerts: telegram token is required")
		}
		if c.Alerts.Telegram.ChatID == 0 {
			return errors.New("alerts: telegram chat_id is required")
		}
	}
	return nil
}
