package intercept

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/caarlos0/env/v8"
)

// Config holds settings read from the environment.
type Config struct {
	// LogLevel is an apex/log level name.
	LogLevel string `env:"INTERCEPT_LOG_LEVEL" envDefault:"info"`
	// ArenaSize is the initial size of the executable arena that holds
	// relocated originals.
	ArenaSize int `env:"INTERCEPT_ARENA_SIZE" envDefault:"65536"`
	// WarnCycles logs a warning when before/after hints form a cycle.
	WarnCycles bool `env:"INTERCEPT_WARN_CYCLES" envDefault:"true"`
	// NameCache is the number of function names to cache.
	NameCache int `env:"INTERCEPT_NAME_CACHE" envDefault:"1024"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.ArenaSize <= 0 {
		return Config{}, fmt.Errorf("arena size must be positive, got %d", cfg.ArenaSize)
	}
	return cfg, nil
}

// NewLogger returns a logger writing to w at cfg's level.
func NewLogger(cfg Config, w io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	return &log.Logger{
		Handler: cli.New(w),
		Level:   level,
	}, nil
}

var defaultRegistry struct {
	once sync.Once
	r    *Registry
	err  error
}

// Default returns a process-wide registry over the native platform,
// configured from the environment. Most code should create its own with
// NewRegistry; Default exists for callers that can't pass one around.
func Default() (*Registry, error) {
	defaultRegistry.once.Do(func() {
		cfg, err := LoadConfig()
		if err != nil {
			defaultRegistry.err = err
			return
		}
		logger, err := NewLogger(cfg, os.Stderr)
		if err != nil {
			defaultRegistry.err = err
			return
		}
		defaultRegistry.r = NewRegistry(Native(cfg), WithConfig(cfg), WithLogger(logger))
	})
	return defaultRegistry.r, defaultRegistry.err
}
