package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "MIRRORBALL_LOG_LEVEL"
	EnvLogFormat  = "MIRRORBALL_LOG_FORMAT"
	EnvLogNoColor = "MIRRORBALL_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

type Config struct {
	Level   zerolog.Level
	Format  string
	NoColor bool
	Output  io.Writer

	// LevelLocked keeps Level even when MIRRORBALL_LOG_LEVEL is set, for
	// levels passed explicitly on the command line.
	LevelLocked bool
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{
		Level:  zerolog.InfoLevel,
		Format: "console",
		Output: os.Stderr,
	}
	if profile == ProfileTest {
		cfg.Level = zerolog.DebugLevel
		cfg.NoColor = true
	}
	return cfg
}

// New builds a logger for the given component name. Env overrides win over
// the values in cfg.
func New(app string, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	return zerolog.New(out).Level(cfg.Level).With().Timestamp().Str("app", app).Logger()
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok && !cfg.LevelLocked {
		cfg.Level = lvl
	}
	if format := strings.TrimSpace(os.Getenv(EnvLogFormat)); format != "" {
		cfg.Format = strings.ToLower(format)
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
