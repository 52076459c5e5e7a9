package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"quant-monitor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Windows   WindowsConfig   `mapstructure:"windows"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Advisor   AdvisorConfig   `mapstructure:"advisor"`
	Feishu    FeishuConfig    `mapstructure:"feishu"`
	Retention RetentionConfig `mapstructure:"retention"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MonitorConfig governs the polling loop and the instrument pool.
type MonitorConfig struct {
	Pool                []string      `mapstructure:"pool"`
	Interval            time.Duration `mapstructure:"interval"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
	StorageFailureLimit int           `mapstructure:"storage_failure_limit"`
}

// FeedConfig covers the realtime quote gateway and daily-bar preload.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	DayBars        DayBarConfig  `mapstructure:"day_bars"`
}

// DayBarConfig 描述启动时预加载的日线上下文。
type DayBarConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Days    int  `mapstructure:"days"`
}

// WindowsConfig defines the trailing windows for derived indicators.
type WindowsConfig struct {
	Velocity       time.Duration `mapstructure:"velocity"`
	VolumeBaseline time.Duration `mapstructure:"volume_baseline"`
	Digest         time.Duration `mapstructure:"digest"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// RulesConfig holds the built-in pattern rules.
type RulesConfig struct {
	Rocket   RocketConfig   `mapstructure:"rocket"`
	HighDive HighDiveConfig `mapstructure:"high_dive"`
}

// RocketConfig 火箭发射模型阈值。
type RocketConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MinVelocityPct float64       `mapstructure:"min_velocity_pct"`
	MinVolumeRatio float64       `mapstructure:"min_volume_ratio"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

// HighDiveConfig 高台跳水模型阈值。
type HighDiveConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxVelocityPct float64       `mapstructure:"max_velocity_pct"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

// DispatchConfig tunes the downstream alert hand-off queue.
type DispatchConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// AdvisorConfig captures the AI narrative collaborator.
type AdvisorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FeishuConfig 描述飞书群机器人推送参数。
type FeishuConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	Secret         string        `mapstructure:"secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RetentionConfig bounds snapshot storage growth.
type RetentionConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
	EveryCycles  int           `mapstructure:"every_cycles"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUANTMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quantmon")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.startup_delay", "0s")
	v.SetDefault("monitor.advisory_lock_key", int64(0x71756d6f))
	v.SetDefault("monitor.storage_failure_limit", 10)

	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.user_agent", "quantmon/1.0")
	v.SetDefault("feed.day_bars.enabled", true)
	v.SetDefault("feed.day_bars.days", 5)

	v.SetDefault("windows.velocity", "3m")
	v.SetDefault("windows.volume_baseline", "30m")
	v.SetDefault("windows.digest", "15m")
	v.SetDefault("windows.sample_interval", "1m")

	v.SetDefault("rules.rocket.enabled", true)
	v.SetDefault("rules.rocket.min_velocity_pct", 1.0)
	v.SetDefault("rules.rocket.min_volume_ratio", 1.5)
	v.SetDefault("rules.rocket.cooldown", "10m")
	v.SetDefault("rules.high_dive.enabled", true)
	v.SetDefault("rules.high_dive.max_velocity_pct", -1.5)
	v.SetDefault("rules.high_dive.cooldown", "10m")

	v.SetDefault("dispatch.queue_size", 16)

	v.SetDefault("advisor.enabled", false)
	v.SetDefault("advisor.base_url", "https://api.moonshot.cn/v1")
	v.SetDefault("advisor.model", "kimi-k2.5")
	v.SetDefault("advisor.request_timeout", "30s")

	v.SetDefault("feishu.enabled", false)
	v.SetDefault("feishu.request_timeout", "5s")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.safety_margin", "30m")
	v.SetDefault("retention.every_cycles", 360)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; any failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be greater than zero")
	}
	if c.Monitor.StorageFailureLimit <= 0 {
		return fmt.Errorf("monitor.storage_failure_limit must be greater than zero")
	}
	if c.Windows.Velocity <= 0 || c.Windows.VolumeBaseline <= 0 || c.Windows.Digest <= 0 {
		return fmt.Errorf("windows.velocity, windows.volume_baseline and windows.digest must all be greater than zero")
	}
	if c.Windows.SampleInterval <= 0 {
		return fmt.Errorf("windows.sample_interval must be greater than zero")
	}
	if c.Windows.Velocity < c.Monitor.Interval {
		return fmt.Errorf("windows.velocity cannot be shorter than monitor.interval")
	}
	if c.Rules.Rocket.Enabled {
		if c.Rules.Rocket.MinVelocityPct <= 0 {
			return fmt.Errorf("rules.rocket.min_velocity_pct must be greater than zero")
		}
		if c.Rules.Rocket.MinVolumeRatio <= 0 {
			return fmt.Errorf("rules.rocket.min_volume_ratio must be greater than zero")
		}
		if c.Rules.Rocket.Cooldown <= 0 {
			return fmt.Errorf("rules.rocket.cooldown must be greater than zero")
		}
	}
	if c.Rules.HighDive.Enabled {
		if c.Rules.HighDive.MaxVelocityPct >= 0 {
			return fmt.Errorf("rules.high_dive.max_velocity_pct must be negative")
		}
		if c.Rules.HighDive.Cooldown <= 0 {
			return fmt.Errorf("rules.high_dive.cooldown must be greater than zero")
		}
	}
	if c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size must be greater than zero")
	}
	if c.Feed.DayBars.Enabled && c.Feed.DayBars.Days <= 0 {
		return fmt.Errorf("feed.day_bars.days must be greater than zero")
	}
	if c.Advisor.Enabled && c.Advisor.APIKey == "" {
		return fmt.Errorf("advisor.api_key 必须配置")
	}
	if c.Feishu.Enabled && c.Feishu.WebhookURL == "" {
		return fmt.Errorf("feishu.webhook_url 必须配置")
	}
	if c.Retention.Enabled {
		if c.Retention.SafetyMargin < 0 {
			return fmt.Errorf("retention.safety_margin cannot be negative")
		}
		if c.Retention.EveryCycles <= 0 {
			return fmt.Errorf("retention.every_cycles must be greater than zero")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ReferenceWindow is the longest trailing duration any indicator needs, plus
// one sample interval of slack so the velocity reference point stays in range.
func (c *Config) ReferenceWindow() time.Duration {
	ref := c.Windows.Velocity
	if c.Windows.VolumeBaseline > ref {
		ref = c.Windows.VolumeBaseline
	}
	if c.Windows.Digest > ref {
		ref = c.Windows.Digest
	}
	return ref + c.Windows.SampleInterval
}

// RetentionHorizon returns the oldest timestamp any configured window still
// needs, including the safety margin. Prune must never pass a later cutoff.
func (c *Config) RetentionHorizon(now time.Time) time.Time {
	return now.Add(-(c.ReferenceWindow() + c.Retention.SafetyMargin))
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
