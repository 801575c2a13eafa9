// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dissect

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/dissect/layer"
	"github.com/creachadair/dissect/token"
	"github.com/rs/zerolog"
)

// Environment variables that override configuration settings.
const (
	EnvLogLevel = "DISSECT_LOG_LEVEL"
	EnvWorkers  = "DISSECT_WORKERS"
)

// Config carries the settings for a Session.
type Config struct {
	// Workers bounds the number of frames decoded concurrently.
	Workers int

	// Watermark bounds how far ahead of the next frame to be stored the
	// session will admit new frames from its reader.
	Watermark int

	// Root is the identity of the root layer of each frame.
	Root string

	// LogLevel is the name of the minimum level logged by NewLogger.
	LogLevel string

	// Plugins are paths of decoder plugins to load. The session does not load
	// them itself; see the abi package.
	Plugins []string

	// Decoders are settings passed to every decoder.
	Decoders map[string]layer.Value

	// Tokens is the token registry for the session. If nil, the session uses
	// token.Default().
	Tokens *token.Registry

	// Logger receives diagnostics. If nil, diagnostics are discarded.
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() Config {
	return Config{
		Workers:   runtime.GOMAXPROCS(0),
		Watermark: 1024,
		Root:      "frame",
		LogLevel:  "info",
	}
}

// fileConfig maps keys in a TOML configuration file to Config fields.
type fileConfig struct {
	Workers   int            `toml:"workers"`
	Watermark int            `toml:"watermark"`
	Root      string         `toml:"root"`
	LogLevel  string         `toml:"log_level"`
	Plugins   []string       `toml:"plugins"`
	Decoders  map[string]any `toml:"decoders"`
}

// LoadConfig reads a TOML configuration file from path and overlays the
// settings it defines on DefaultConfig. Environment overrides are applied
// last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("watermark") {
		cfg.Watermark = raw.Watermark
	}
	if meta.IsDefined("root") {
		cfg.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("plugins") {
		cfg.Plugins = raw.Plugins
	}
	if len(raw.Decoders) != 0 {
		cfg.Decoders = make(map[string]layer.Value)
		for key, v := range raw.Decoders {
			lv, err := tomlValue(v)
			if err != nil {
				return Config{}, fmt.Errorf("load config: decoders.%s: %w", key, err)
			}
			cfg.Decoders[key] = lv
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate reports an error if c has settings no session can use.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive (got %d)", c.Workers)
	}
	if c.Watermark < 1 {
		return fmt.Errorf("watermark must be positive (got %d)", c.Watermark)
	}
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("missing root layer name")
	}
	if _, ok := parseLevel(c.LogLevel); !ok && c.LogLevel != "" {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func tomlValue(v any) (layer.Value, error) {
	switch t := v.(type) {
	case bool:
		return layer.Bool(t), nil
	case int64:
		return layer.Int(t), nil
	case float64:
		return layer.Float(t), nil
	case string:
		return layer.Bytes([]byte(t)), nil
	default:
		return layer.Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		if _, ok := parseLevel(raw); ok {
			cfg.LogLevel = raw
		}
	}
	if raw := strings.TrimSpace(os.Getenv(EnvWorkers)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// NewLogger returns a console logger writing to w at the level named by
// c.LogLevel, tagged with the given application name.
func (c Config) NewLogger(w io.Writer, app string) zerolog.Logger {
	lvl, _ := parseLevel(c.LogLevel)
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
}
