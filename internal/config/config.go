package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = ".mirrorball/config.toml"
	EnvConfigPath     = "MIRRORBALL_CONFIG"
	envPrefix         = "MIRRORBALL"
)

const (
	BusBackendNone   = "none"
	BusBackendMemory = "memory"
	BusBackendRedis  = "redis"
)

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" toml:"engine"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync"`
	Grouping  GroupingConfig  `mapstructure:"grouping" toml:"grouping"`
	Resolver  ResolverConfig  `mapstructure:"resolver" toml:"resolver"`
	Bus       BusConfig       `mapstructure:"bus" toml:"bus"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" toml:"telemetry"`
}

type EngineConfig struct {
	BaseURL          string `mapstructure:"base_url" toml:"base_url"`
	PollTimeoutMS    int    `mapstructure:"poll_timeout_ms" toml:"poll_timeout_ms"`
	ResolveTimeoutMS int    `mapstructure:"resolve_timeout_ms" toml:"resolve_timeout_ms"`
	RefreshTimeoutMS int    `mapstructure:"refresh_timeout_ms" toml:"refresh_timeout_ms"`
	RefreshAttempts  int    `mapstructure:"refresh_attempts" toml:"refresh_attempts"`
}

type SyncConfig struct {
	IntervalMS     int  `mapstructure:"interval_ms" toml:"interval_ms"`
	FailureBackoff bool `mapstructure:"failure_backoff" toml:"failure_backoff"`
	MaxIntervalMS  int  `mapstructure:"max_interval_ms" toml:"max_interval_ms"`
	LogIntervalSec int  `mapstructure:"log_interval_sec" toml:"log_interval_sec"`
}

type GroupingConfig struct {
	ExtraSlots   int    `mapstructure:"extra_slots" toml:"extra_slots"`
	Placeholder  string `mapstructure:"placeholder" toml:"placeholder"`
	VariesMarker string `mapstructure:"varies_marker" toml:"varies_marker"`
}

type ResolverConfig struct {
	MaxParallel int `mapstructure:"max_parallel" toml:"max_parallel"`
}

type BusConfig struct {
	Backend       string `mapstructure:"backend" toml:"backend"`
	RedisURL      string `mapstructure:"redis_url" toml:"redis_url"`
	ConsumerGroup string `mapstructure:"consumer_group" toml:"consumer_group"`
	TopicPrefix   string `mapstructure:"topic_prefix" toml:"topic_prefix"`
}

type ServerConfig struct {
	Addr               string `mapstructure:"addr" toml:"addr"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec" toml:"shutdown_timeout_sec"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled" toml:"enabled"`
	Stdout       bool   `mapstructure:"stdout" toml:"stdout"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
}

func Default() Config {
	cfg := Config{}
	cfg.Engine.BaseURL = "http://localhost:5000"
	cfg.Engine.PollTimeoutMS = 10000
	cfg.Engine.ResolveTimeoutMS = 15000
	cfg.Engine.RefreshTimeoutMS = 15000
	cfg.Engine.RefreshAttempts = 3
	cfg.Sync.IntervalMS = 1000
	cfg.Sync.FailureBackoff = false
	cfg.Sync.MaxIntervalMS = 30000
	cfg.Sync.LogIntervalSec = 15
	cfg.Grouping.ExtraSlots = 1
	cfg.Grouping.Placeholder = "*"
	cfg.Grouping.VariesMarker = "varies"
	cfg.Resolver.MaxParallel = 4
	cfg.Bus.Backend = BusBackendMemory
	cfg.Bus.ConsumerGroup = "mirrorball"
	cfg.Bus.TopicPrefix = "mirrorball"
	cfg.Server.Addr = ":3002"
	cfg.Server.ShutdownTimeoutSec = 5
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return cfg
}

// Load reads the TOML config at path (or $MIRRORBALL_CONFIG, or the default
// path) on top of the defaults, then applies MIRRORBALL_* env overrides such
// as MIRRORBALL_ENGINE_BASE_URL. A missing file is not an error.
func Load(path string) (Config, string, error) {
	finalPath := strings.TrimSpace(path)
	if finalPath == "" {
		finalPath = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if finalPath == "" {
		finalPath = DefaultConfigPath
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(finalPath); err == nil {
		v.SetConfigFile(finalPath)
		if err := v.ReadInConfig(); err != nil {
			return Default(), finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
		}
	} else if !os.IsNotExist(err) {
		return Default(), finalPath, fmt.Errorf("stat config %s: %w", finalPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

// setDefaults registers every key so env overrides apply even when the file
// does not mention them.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("engine.base_url", cfg.Engine.BaseURL)
	v.SetDefault("engine.poll_timeout_ms", cfg.Engine.PollTimeoutMS)
	v.SetDefault("engine.resolve_timeout_ms", cfg.Engine.ResolveTimeoutMS)
	v.SetDefault("engine.refresh_timeout_ms", cfg.Engine.RefreshTimeoutMS)
	v.SetDefault("engine.refresh_attempts", cfg.Engine.RefreshAttempts)
	v.SetDefault("sync.interval_ms", cfg.Sync.IntervalMS)
	v.SetDefault("sync.failure_backoff", cfg.Sync.FailureBackoff)
	v.SetDefault("sync.max_interval_ms", cfg.Sync.MaxIntervalMS)
	v.SetDefault("sync.log_interval_sec", cfg.Sync.LogIntervalSec)
	v.SetDefault("grouping.extra_slots", cfg.Grouping.ExtraSlots)
	v.SetDefault("grouping.placeholder", cfg.Grouping.Placeholder)
	v.SetDefault("grouping.varies_marker", cfg.Grouping.VariesMarker)
	v.SetDefault("resolver.max_parallel", cfg.Resolver.MaxParallel)
	v.SetDefault("bus.backend", cfg.Bus.Backend)
	v.SetDefault("bus.redis_url", cfg.Bus.RedisURL)
	v.SetDefault("bus.consumer_group", cfg.Bus.ConsumerGroup)
	v.SetDefault("bus.topic_prefix", cfg.Bus.TopicPrefix)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.shutdown_timeout_sec", cfg.Server.ShutdownTimeoutSec)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("telemetry.enabled", cfg.Telemetry.Enabled)
	v.SetDefault("telemetry.stdout", cfg.Telemetry.Stdout)
	v.SetDefault("telemetry.otlp_endpoint", cfg.Telemetry.OTLPEndpoint)
}

func SaveDefault(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(Default()); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func Validate(cfg Config) error {
	base := strings.TrimSpace(cfg.Engine.BaseURL)
	if base == "" {
		return fmt.Errorf("engine.base_url cannot be empty")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("engine.base_url must be an absolute URL")
	}
	if cfg.Engine.PollTimeoutMS <= 0 || cfg.Engine.ResolveTimeoutMS <= 0 || cfg.Engine.RefreshTimeoutMS <= 0 {
		return fmt.Errorf("engine timeouts must be > 0")
	}
	if cfg.Engine.RefreshAttempts < 1 {
		return fmt.Errorf("engine.refresh_attempts must be >= 1")
	}
	if cfg.Sync.IntervalMS <= 0 {
		return fmt.Errorf("sync.interval_ms must be > 0")
	}
	if cfg.Sync.FailureBackoff && cfg.Sync.MaxIntervalMS < cfg.Sync.IntervalMS {
		return fmt.Errorf("sync.max_interval_ms must be >= sync.interval_ms")
	}
	if cfg.Grouping.ExtraSlots < 0 {
		return fmt.Errorf("grouping.extra_slots must be >= 0")
	}
	if cfg.Grouping.Placeholder == "" {
		return fmt.Errorf("grouping.placeholder cannot be empty")
	}
	if cfg.Resolver.MaxParallel < 1 {
		return fmt.Errorf("resolver.max_parallel must be >= 1")
	}
	switch cfg.Bus.Backend {
	case BusBackendNone, BusBackendMemory:
	case BusBackendRedis:
		if strings.TrimSpace(cfg.Bus.RedisURL) == "" {
			return fmt.Errorf("bus.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("bus.backend must be none|memory|redis")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	return nil
}

func (c EngineConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

func (c EngineConfig) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutMS) * time.Millisecond
}

func (c EngineConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutMS) * time.Millisecond
}

func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c SyncConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMS) * time.Millisecond
}

func (c SyncConfig) LogInterval() time.Duration {
	return time.Duration(c.LogIntervalSec) * time.Second
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
