package isochrone

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"isochrone/internal/remote"
)

// EnvPrefix is prepended to every environment override, e.g.
// ISOCHRONE_CACHE_DIR.
const EnvPrefix = "ISOCHRONE_"

type Config struct {
	Cache struct {
		Dir string `yaml:"dir" env:"CACHE_DIR"`
		RAM struct {
			Max string `yaml:"max" env:"RAM_MAX"`
		} `yaml:"ram"`
	} `yaml:"cache"`

	Remote struct {
		BaseURL     string `yaml:"baseURL" env:"BASE_URL"`
		Timeout     string `yaml:"timeout" env:"TIMEOUT"`
		MinInterval string `yaml:"minInterval" env:"MIN_INTERVAL"`
	} `yaml:"remote"`

	Batch struct {
		Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	} `yaml:"batch"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`

	// compiled
	ramMax      int64
	timeout     time.Duration
	minInterval time.Duration
}

func (c Config) RAMMax() int64              { return c.ramMax }
func (c Config) Timeout() time.Duration     { return c.timeout }
func (c Config) MinInterval() time.Duration { return c.minInterval }

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	if err := cfg.compile(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads the YAML file at path, then applies ISOCHRONE_* environment
// overrides. A missing file is not an error; defaults are used instead.
func LoadConfig(path string) (Config, error) {
	return loadConfig(path, nil)
}

// loadConfig reads overrides from environ, or from the process environment
// when environ is nil.
func loadConfig(path string, environ map[string]string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Cache.RAM.Max == "" {
		c.Cache.RAM.Max = "64m"
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = remote.DefaultBaseURL
	}
	c.Remote.BaseURL = strings.TrimRight(c.Remote.BaseURL, "/")
	if c.Remote.Timeout == "" {
		c.Remote.Timeout = remote.DefaultTimeout.String()
	}
	if c.Remote.MinInterval == "" {
		c.Remote.MinInterval = "1s"
	}
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	var err error
	if c.ramMax, err = parseBytes(c.Cache.RAM.Max); err != nil {
		return fmt.Errorf("cache.ram.max: %w", err)
	}
	if c.timeout, err = time.ParseDuration(c.Remote.Timeout); err != nil {
		return fmt.Errorf("remote.timeout: %w", err)
	}
	if c.minInterval, err = time.ParseDuration(c.Remote.MinInterval); err != nil {
		return fmt.Errorf("remote.minInterval: %w", err)
	}
	if c.timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout)
	}
	if c.minInterval < 0 {
		return fmt.Errorf("remote.minInterval must not be negative, got %s", c.Remote.MinInterval)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: want console or json, got %q", c.Logging.Format)
	}
	return nil
}
