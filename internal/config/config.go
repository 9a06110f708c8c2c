// Package config loads runtime settings from the environment.
//
// An optional .env file is read first with godotenv; variables already set
// in the process environment take precedence over it. The merged
// environment is then parsed into Config with caarlos0/env.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/roach88/miszen/internal/coordinator"
	"github.com/roach88/miszen/internal/event"
	"github.com/roach88/miszen/internal/executor"
	"github.com/roach88/miszen/internal/router"
)

// Seconds is a duration written in the environment as a number of seconds
// ("30", "2.5"). Go duration strings ("1m30s") are accepted too.
type Seconds time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Seconds) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f < 0 {
			return fmt.Errorf("negative duration %q", raw)
		}
		*s = Seconds(time.Duration(f * float64(time.Second)))
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: want seconds or a Go duration", raw)
	}
	if d < 0 {
		return fmt.Errorf("negative duration %q", raw)
	}
	*s = Seconds(d)
	return nil
}

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// Config holds every setting miszen reads from the environment.
type Config struct {
	MappingPath      string `env:"EVENT_MAPPING_CONFIG" envDefault:"config/event_mappings.json"`
	StrictConditions bool   `env:"MISZEN_STRICT_CONDITIONS" envDefault:"true"`

	// DisabledKinds are event kinds that are accepted but never routed.
	DisabledKinds []string `env:"MISZEN_DISABLED_KINDS" envSeparator:","`

	// Host and Port locate the command endpoint. They are passed to the
	// executor program through its environment.
	Host string `env:"MCP_HOST" envDefault:"localhost"`
	Port int    `env:"MCP_PORT" envDefault:"8765"`

	AttemptTimeout      Seconds `env:"MCP_TIMEOUT" envDefault:"30"`
	MaxAttempts         int     `env:"MCP_RETRY_COUNT" envDefault:"3"`
	RetryDelay          Seconds `env:"MCP_RETRY_DELAY" envDefault:"1"`
	RetryMaxDelay       Seconds `env:"MISZEN_RETRY_MAX_DELAY" envDefault:"30"`
	CommandTimeoutsJSON string  `env:"ZEN_MCP_TIMEOUTS"`

	// ExecutorPath is the program run for each command. Empty means dry
	// run: commands are logged, not executed.
	ExecutorPath           string   `env:"MISZEN_EXECUTOR"`
	ExecutorArgs           []string `env:"MISZEN_EXECUTOR_ARGS" envSeparator:","`
	ExecutorPermanentCodes []int    `env:"MISZEN_EXECUTOR_PERMANENT_CODES" envSeparator:","`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`

	DataDir  string `env:"DATA_DIR" envDefault:"./data"`
	CacheDir string `env:"CACHE_DIR" envDefault:"./cache"`
	DBPath   string `env:"MISZEN_DB"`

	DedupSize int `env:"MISZEN_DEDUP_SIZE" envDefault:"1000"`

	OTelEnabled  bool   `env:"MISZEN_OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string `env:"MISZEN_OTEL_ENDPOINT"`

	// CommandTimeouts is the built-in per-command table overlaid with
	// ZEN_MCP_TIMEOUTS.
	CommandTimeouts map[string]time.Duration `env:"-"`
}

// Load reads the given .env files (or ./.env when none are named and it
// exists) and parses the process environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(files...); err != nil {
		return nil, fmt.Errorf("load %s: %w", strings.Join(files, ", "), err)
	}
	return Parse(env.ToMap(os.Environ()))
}

// Parse builds a Config from an explicit environment.
func Parse(environ map[string]string) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environ})
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "miszen.db")
	}
	if cfg.Debug && !strings.EqualFold(cfg.LogLevel, "debug") {
		cfg.LogLevel = "debug"
	}

	cfg.CommandTimeouts = executor.DefaultCommandTimeouts()
	if raw := strings.TrimSpace(cfg.CommandTimeoutsJSON); raw != "" {
		var overrides map[string]float64
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return nil, fmt.Errorf("parse env: ZEN_MCP_TIMEOUTS: %w", err)
		}
		for cmd, secs := range overrides {
			if secs <= 0 {
				return nil, fmt.Errorf("parse env: ZEN_MCP_TIMEOUTS: %s: timeout must be positive", cmd)
			}
			cfg.CommandTimeouts[cmd] = time.Duration(secs * float64(time.Second))
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MCP_RETRY_COUNT must be at least 1, got %d", c.MaxAttempts))
	}
	if c.DedupSize < 1 {
		errs = append(errs, fmt.Errorf("MISZEN_DEDUP_SIZE must be at least 1, got %d", c.DedupSize))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("MCP_PORT out of range: %d", c.Port))
	}
	if c.RetryMaxDelay < c.RetryDelay {
		errs = append(errs, fmt.Errorf("MISZEN_RETRY_MAX_DELAY (%s) is below MCP_RETRY_DELAY (%s)",
			c.RetryMaxDelay.Duration(), c.RetryDelay.Duration()))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy returns the coordinator retry policy described by c.
func (c *Config) Policy() coordinator.Policy {
	p := coordinator.DefaultPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.InitialInterval = c.RetryDelay.Duration()
	p.MaxInterval = c.RetryMaxDelay.Duration()
	p.AttemptTimeout = c.AttemptTimeout.Duration()
	p.CommandTimeouts = c.CommandTimeouts
	return p
}

// RoutingFlags returns the router flags described by c, at version 1 so
// they replace the router's initial empty set.
func (c *Config) RoutingFlags() router.Flags {
	f := router.Flags{Version: 1}
	for _, k := range c.DisabledKinds {
		if k = strings.TrimSpace(k); k != "" {
			f.DisabledKinds = append(f.DisabledKinds, event.Kind(k))
		}
	}
	return f
}

// Endpoint is host:port of the command endpoint.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	lvl, _ := ParseLevel(c.LogLevel)
	return lvl
}

// ParseLevel maps debug, info, warn (or warning) and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: unknown level %q", s)
}

// EnsureDirs creates the data and cache directories and the parent of the
// database file.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.CacheDir, filepath.Dir(c.DBPath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
