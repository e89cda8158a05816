// Package config loads and validates goalclip configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Site     SiteConfig     `mapstructure:"site"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Render   RenderConfig   `mapstructure:"render"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Registry RegistryConfig `mapstructure:"registry"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SiteConfig describes the broadcast site. URL templates substitute {name}.
type SiteConfig struct {
	PageURL             string   `mapstructure:"page_url"`
	StatusURL           string   `mapstructure:"status_url"`
	LiveStatuses        []string `mapstructure:"live_statuses"`
	UserAgent           string   `mapstructure:"user_agent"`
	ProbeTimeoutSeconds int      `mapstructure:"probe_timeout_seconds"`
}

// PoolConfig bounds the render-agent pool.
type PoolConfig struct {
	Ceiling              int `mapstructure:"ceiling"`
	AcquireWaitSeconds   int `mapstructure:"acquire_wait_seconds"`
	AcquirePollMs        int `mapstructure:"acquire_poll_ms"`
	IdleTimeoutSeconds   int `mapstructure:"idle_timeout_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// RenderConfig configures the headless browser engine.
type RenderConfig struct {
	Headless          bool   `mapstructure:"headless"`
	ExecPath          string `mapstructure:"exec_path"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMs          int    `mapstructure:"settle_ms"`
	Screenshot        bool   `mapstructure:"screenshot"`
}

// CacheConfig sets TTL classes and the absolute age ceiling.
type CacheConfig struct {
	OnlineTTLSeconds     int `mapstructure:"online_ttl_seconds"`
	OfflineTTLSeconds    int `mapstructure:"offline_ttl_seconds"`
	MaxEntryAgeSeconds   int `mapstructure:"max_entry_age_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// RedisConfig enables the optional cross-restart status mirror.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MonitorConfig governs the poll loop and goal-completion flow.
type MonitorConfig struct {
	PollIntervalSeconds int     `mapstructure:"poll_interval_seconds"`
	MinSpacingSeconds   int     `mapstructure:"min_spacing_seconds"`
	BatchSize           int     `mapstructure:"batch_size"`
	BatchPauseMs        int     `mapstructure:"batch_pause_ms"`
	FailureCeiling      int     `mapstructure:"failure_ceiling"`
	CompletionThreshold float64 `mapstructure:"completion_threshold"`
	CaptureSeconds      int     `mapstructure:"capture_seconds"`
	CaptureRetries      int     `mapstructure:"capture_retries"`
	RetryPauseSeconds   int     `mapstructure:"retry_pause_seconds"`
}

// QuotaConfig sets cooldown and per-class duration ceilings.
type QuotaConfig struct {
	CooldownSeconds     int `mapstructure:"cooldown_seconds"`
	ThrottledMaxSeconds int `mapstructure:"throttled_max_seconds"`
	UnlimitedMaxSeconds int `mapstructure:"unlimited_max_seconds"`
	DefaultSeconds      int `mapstructure:"default_seconds"`
}

// CaptureConfig drives candidate generation and the transcoder.
type CaptureConfig struct {
	FFmpegPath           string   `mapstructure:"ffmpeg_path"`
	WorkDir              string   `mapstructure:"work_dir"`
	URLTemplate          string   `mapstructure:"url_template"`
	Servers              []string `mapstructure:"servers"`
	Qualities            []string `mapstructure:"qualities"`
	Fallbacks            []string `mapstructure:"fallbacks"`
	ProbeSeconds         int      `mapstructure:"probe_seconds"`
	DeadlineFloorSeconds int      `mapstructure:"deadline_floor_seconds"`
	DeadlineMultiplier   int      `mapstructure:"deadline_multiplier"`
	GraceSeconds         int      `mapstructure:"grace_seconds"`
	MaxPriors            int      `mapstructure:"max_priors"`
}

// DeliveryConfig sets the direct-delivery size ceiling.
type DeliveryConfig struct {
	DirectLimitMB int `mapstructure:"direct_limit_mb"`
}

// UploadConfig selects the oversized-artifact backend: "gcs", "local", or "".
type UploadConfig struct {
	Backend       string `mapstructure:"backend"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
	LocalDir      string `mapstructure:"local_dir"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// RegistryConfig selects persistence for targets and entitlements.
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// TelegramConfig configures the message-delivery platform. Empty token logs only.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

// PubSubConfig holds metadata for publish-subscribe event fan-out.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOALCLIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("site.page_url", "https://example.com/{name}/")
	v.SetDefault("site.status_url", "https://example.com/api/chatvideocontext/{name}/")
	v.SetDefault("site.live_statuses", []string{"public", "private", "group", "away"})
	v.SetDefault("site.user_agent", "goalclip/0.1")
	v.SetDefault("site.probe_timeout_seconds", 8)
	v.SetDefault("pool.ceiling", 3)
	v.SetDefault("pool.acquire_wait_seconds", 30)
	v.SetDefault("pool.acquire_poll_ms", 250)
	v.SetDefault("pool.idle_timeout_seconds", 300)
	v.SetDefault("pool.sweep_interval_seconds", 60)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.nav_timeout_seconds", 45)
	v.SetDefault("render.settle_ms", 1500)
	v.SetDefault("render.screenshot", false)
	v.SetDefault("cache.online_ttl_seconds", 60)
	v.SetDefault("cache.offline_ttl_seconds", 300)
	v.SetDefault("cache.max_entry_age_seconds", 86400)
	v.SetDefault("cache.sweep_interval_seconds", 600)
	v.SetDefault("monitor.poll_interval_seconds", 60)
	v.SetDefault("monitor.min_spacing_seconds", 30)
	v.SetDefault("monitor.batch_size", 3)
	v.SetDefault("monitor.batch_pause_ms", 2000)
	v.SetDefault("monitor.failure_ceiling", 10)
	v.SetDefault("monitor.completion_threshold", 99.0)
	v.SetDefault("monitor.capture_seconds", 60)
	v.SetDefault("monitor.capture_retries", 3)
	v.SetDefault("monitor.retry_pause_seconds", 10)
	v.SetDefault("quota.cooldown_seconds", 600)
	v.SetDefault("quota.throttled_max_seconds", 45)
	v.SetDefault("quota.unlimited_max_seconds", 300)
	v.SetDefault("quota.default_seconds", 30)
	v.SetDefault("capture.ffmpeg_path", "ffmpeg")
	v.SetDefault("capture.work_dir", "")
	v.SetDefault("capture.url_template", "https://edge{server}.example.com/live-hls/amlst:{name}-sd-{quality}/playlist.m3u8")
	v.SetDefault("capture.servers", []string{"1", "2", "3", "4"})
	v.SetDefault("capture.qualities", []string{"720p", "480p", "240p"})
	v.SetDefault("capture.probe_seconds", 8)
	v.SetDefault("capture.deadline_floor_seconds", 120)
	v.SetDefault("capture.deadline_multiplier", 3)
	v.SetDefault("capture.grace_seconds", 5)
	v.SetDefault("capture.max_priors", 5)
	v.SetDefault("delivery.direct_limit_mb", 50)
	v.SetDefault("upload.prefix", "clips")
	v.SetDefault("upload.local_dir", "clips")
	v.SetDefault("registry.backend", "file")
	v.SetDefault("registry.path", "targets.toml")
	v.SetDefault("registry.table", "goalclip_targets")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !strings.Contains(c.Site.PageURL, "{name}") {
		return fmt.Errorf("site.page_url must contain {name}")
	}
	if c.Site.StatusURL != "" && !strings.Contains(c.Site.StatusURL, "{name}") {
		return fmt.Errorf("site.status_url must contain {name}")
	}
	if c.Pool.Ceiling <= 0 {
		return fmt.Errorf("pool.ceiling must be > 0")
	}
	if c.Pool.AcquirePollMs <= 0 {
		return fmt.Errorf("pool.acquire_poll_ms must be > 0")
	}
	if c.Pool.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("pool.sweep_interval_seconds must be > 0")
	}
	if c.Cache.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("cache.sweep_interval_seconds must be > 0")
	}
	if c.Cache.OnlineTTLSeconds <= 0 || c.Cache.OfflineTTLSeconds <= c.Cache.OnlineTTLSeconds {
		return fmt.Errorf("cache.offline_ttl_seconds must exceed cache.online_ttl_seconds > 0")
	}
	if c.Cache.MaxEntryAgeSeconds < c.Cache.OfflineTTLSeconds {
		return fmt.Errorf("cache.max_entry_age_seconds must be >= cache.offline_ttl_seconds")
	}
	if c.Monitor.BatchSize <= 0 {
		return fmt.Errorf("monitor.batch_size must be > 0")
	}
	if c.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.poll_interval_seconds must be > 0")
	}
	if c.Monitor.CompletionThreshold <= 0 || c.Monitor.CompletionThreshold >= 100 {
		return fmt.Errorf("monitor.completion_threshold must be in (0, 100)")
	}
	if c.Monitor.FailureCeiling <= 0 {
		return fmt.Errorf("monitor.failure_ceiling must be > 0")
	}
	if c.Quota.ThrottledMaxSeconds <= 0 || c.Quota.UnlimitedMaxSeconds <= 0 {
		return fmt.Errorf("quota max durations must be > 0")
	}
	if c.Capture.URLTemplate == "" && len(c.Capture.Fallbacks) == 0 {
		return fmt.Errorf("capture.url_template or capture.fallbacks must be set")
	}
	if c.Capture.DeadlineMultiplier <= 0 {
		return fmt.Errorf("capture.deadline_multiplier must be > 0")
	}
	switch c.Upload.Backend {
	case "":
	case "gcs":
		if c.Upload.GCSBucket == "" {
			return fmt.Errorf("upload.gcs_bucket must be set for the gcs backend")
		}
	case "local":
		if c.Upload.LocalDir == "" || c.Upload.PublicBaseURL == "" {
			return fmt.Errorf("upload.local_dir and upload.public_base_url must be set for the local backend")
		}
	default:
		return fmt.Errorf("upload.backend %q is not supported", c.Upload.Backend)
	}
	switch c.Registry.Backend {
	case "file":
		if c.Registry.Path == "" {
			return fmt.Errorf("registry.path must be set for the file backend")
		}
	case "postgres":
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("registry.backend %q is not supported", c.Registry.Backend)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// AcquireWait returns the bounded wait before forced over-ceiling creation.
func (p PoolConfig) AcquireWait() time.Duration { return seconds(p.AcquireWaitSeconds) }

// AcquirePoll returns the idle-agent polling interval.
func (p PoolConfig) AcquirePoll() time.Duration {
	return time.Duration(p.AcquirePollMs) * time.Millisecond
}

// IdleTimeout returns the inactivity threshold for sweeping idle agents.
func (p PoolConfig) IdleTimeout() time.Duration { return seconds(p.IdleTimeoutSeconds) }

// SweepInterval returns the pool sweep period.
func (p PoolConfig) SweepInterval() time.Duration { return seconds(p.SweepIntervalSeconds) }

// OnlineTTL returns the short TTL class.
func (c CacheConfig) OnlineTTL() time.Duration { return seconds(c.OnlineTTLSeconds) }

// OfflineTTL returns the long TTL class.
func (c CacheConfig) OfflineTTL() time.Duration { return seconds(c.OfflineTTLSeconds) }

// MaxEntryAge returns the absolute age ceiling.
func (c CacheConfig) MaxEntryAge() time.Duration { return seconds(c.MaxEntryAgeSeconds) }

// SweepInterval returns the cache sweep period.
func (c CacheConfig) SweepInterval() time.Duration { return seconds(c.SweepIntervalSeconds) }

// PollInterval returns the scheduler period.
func (m MonitorConfig) PollInterval() time.Duration { return seconds(m.PollIntervalSeconds) }

// MinSpacing returns the minimum gap between two polls of one target.
func (m MonitorConfig) MinSpacing() time.Duration { return seconds(m.MinSpacingSeconds) }

// BatchPause returns the pause between poll batches.
func (m MonitorConfig) BatchPause() time.Duration {
	return time.Duration(m.BatchPauseMs) * time.Millisecond
}

// RetryPause returns the pause between capture retries.
func (m MonitorConfig) RetryPause() time.Duration { return seconds(m.RetryPauseSeconds) }

// Cooldown returns the throttled cooldown window.
func (q QuotaConfig) Cooldown() time.Duration { return seconds(q.CooldownSeconds) }

// DirectLimitBytes returns the direct-delivery ceiling in bytes.
func (d DeliveryConfig) DirectLimitBytes() int64 { return int64(d.DirectLimitMB) << 20 }
