package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds all configuration for the companion agent
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Targets  TargetsConfig  `mapstructure:"targets"`
	Pacing   PacingConfig   `mapstructure:"pacing"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Session  SessionConfig  `mapstructure:"session"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Clock    ClockConfig    `mapstructure:"clock"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
}

// ServerConfig contains the message endpoint settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// BrowserConfig controls how Chrome is launched or attached to.
// RemoteURL wins over ExecPath when both are set.
type BrowserConfig struct {
	ExecPath    string        `mapstructure:"exec_path"`
	RemoteURL   string        `mapstructure:"remote_url"`
	UserDataDir string        `mapstructure:"user_data_dir"`
	Headless    bool          `mapstructure:"headless"`
	UserAgent   string        `mapstructure:"user_agent"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
}

func (b BrowserConfig) Normalize() BrowserConfig {
	if b.LoadTimeout <= 0 {
		b.LoadTimeout = 15 * time.Second
	}
	b.RemoteURL = strings.TrimSpace(b.RemoteURL)
	return b
}

// Window is a [Min, Max) duration range used for randomized pauses. In config
// files min and max are duration strings ("1.5s") or bare milliseconds (1500).
type Window struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// windowMillisHook turns bare numeric window bounds into milliseconds before
// the generic decoder would read them as nanoseconds.
func windowMillisHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Window{}) {
		return data, nil
	}
	raw, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case int:
			v = time.Duration(n) * time.Millisecond
		case int64:
			v = time.Duration(n) * time.Millisecond
		case uint64:
			v = time.Duration(n) * time.Millisecond
		case float64:
			v = time.Duration(n * float64(time.Millisecond))
		}
		out[k] = v
	}
	return out, nil
}

// PacingConfig keeps the anti-automation delays configurable but always present.
type PacingConfig struct {
	Cooldown     Window        `mapstructure:"cooldown"`
	Interaction  Window        `mapstructure:"interaction"`
	MenuOpen     Window        `mapstructure:"menu_open"`
	Rerender     Window        `mapstructure:"rerender"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollAttempts int           `mapstructure:"poll_attempts"`
}

func (p PacingConfig) Normalize() PacingConfig {
	def := func(w Window, min, max time.Duration) Window {
		if w.Min <= 0 && w.Max <= 0 {
			return Window{Min: min, Max: max}
		}
		return w
	}
	p.Cooldown = def(p.Cooldown, 3000*time.Millisecond, 6000*time.Millisecond)
	p.Interaction = def(p.Interaction, 2000*time.Millisecond, 4000*time.Millisecond)
	p.MenuOpen = def(p.MenuOpen, 1500*time.Millisecond, 2500*time.Millisecond)
	p.Rerender = def(p.Rerender, 3000*time.Millisecond, 5000*time.Millisecond)
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	if p.PollAttempts <= 0 {
		p.PollAttempts = 20
	}
	return p
}

func (p PacingConfig) Validate() error {
	for name, w := range map[string]Window{
		"pacing.cooldown":    p.Cooldown,
		"pacing.interaction": p.Interaction,
		"pacing.menu_open":   p.MenuOpen,
		"pacing.rerender":    p.Rerender,
	} {
		if w.Min < 0 || w.Max < w.Min {
			return fmt.Errorf("%s: max must be >= min >= 0", name)
		}
		if w.Max < time.Millisecond {
			return fmt.Errorf("%s: max must be at least 1ms, got %s", name, w.Max)
		}
	}
	return nil
}

// IngestConfig points at the remote ingestion sink
type IngestConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (i IngestConfig) Validate() error {
	if strings.TrimSpace(i.Endpoint) == "" {
		return fmt.Errorf("ingest.endpoint required")
	}
	return nil
}

// SessionConfig contains the auth backend used to refresh sessions
type SessionConfig struct {
	SupabaseURL  string        `mapstructure:"supabase_url"`
	AnonKey      string        `mapstructure:"anon_key"`
	ExpiryBuffer time.Duration `mapstructure:"expiry_buffer"`
}

// StorageConfig selects the key-value store backing session and day-marker state
type StorageConfig struct {
	Driver string      `mapstructure:"driver"` // memory or redis
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "memory":
		return nil
	case "redis":
		if strings.TrimSpace(s.Redis.Host) == "" {
			return fmt.Errorf("storage.redis.host required")
		}
		if strings.TrimSpace(s.Redis.Port) == "" {
			return fmt.Errorf("storage.redis.port required")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver %q not supported", s.Driver)
	}
}

// ScheduleConfig drives the daily collection alarm
type ScheduleConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Cron      string        `mapstructure:"cron"`
	JitterMax time.Duration `mapstructure:"jitter_max"`
}

// ClockConfig controls the collection-day rollover
type ClockConfig struct {
	RolloverHour int    `mapstructure:"rollover_hour"`
	Timezone     string `mapstructure:"timezone"`
}

func (c ClockConfig) Validate() error {
	if c.RolloverHour < 0 || c.RolloverHour > 23 {
		return fmt.Errorf("clock.rollover_hour must be within 0..23")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("clock.timezone: %w", err)
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to local time.
func (c ClockConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")
	v.SetDefault("server.address", ":10002")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.load_timeout", 15*time.Second)
	v.SetDefault("ingest.timeout", 60*time.Second)
	v.SetDefault("session.expiry_buffer", 60*time.Second)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.redis.prefix", "companion:")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "0 9 * * *")
	v.SetDefault("schedule.jitter_max", 60*time.Minute)
	v.SetDefault("clock.rollover_hour", 7)
}

// LoadConfig loads config from file and COMPANION_* environment variables.
// An empty path searches the usual locations; a missing file there is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("companion")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about
	for _, key := range []string{"ingest.endpoint", "session.supabase_url", "session.anon_key", "browser.remote_url", "browser.exec_path", "browser.user_data_dir", "storage.redis.host", "storage.redis.password", "clock.timezone"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		windowMillisHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults for sections that were left empty.
func (c *Config) Normalize() {
	c.Browser = c.Browser.Normalize()
	c.Targets = c.Targets.Normalize()
	c.Pacing = c.Pacing.Normalize()
	if c.Session.ExpiryBuffer <= 0 {
		c.Session.ExpiryBuffer = 60 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 9 * * *"
	}
}

func (c *Config) Validate() error {
	if err := c.Targets.Validate(); err != nil {
		return err
	}
	if err := c.Pacing.Validate(); err != nil {
		return err
	}
	if err := c.Ingest.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return c.Clock.Validate()
}
