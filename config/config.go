// Package config loads server configuration from a YAML file, with
// environment variable overrides for the values an operator most often
// needs to vary per-deployment (listen address, store DSN, credentials).
// Secret-shaped values (API keys, DSNs with passwords) come from the
// environment rather than the checked-in YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config is the noetl-server process configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Store struct {
		Kind string `yaml:"kind"` // "memory" | "sqlite" | "mysql"
		DSN  string `yaml:"dsn"`
	} `yaml:"store"`

	Bus struct {
		Kind string `yaml:"kind"` // "memory" | "sqlite"
		DSN  string `yaml:"dsn"`
	} `yaml:"bus"`

	Artifacts struct {
		Kind string `yaml:"kind"` // "memory" | "filesystem"
		Root string `yaml:"root"`
	} `yaml:"artifacts"`

	Playbooks struct {
		Root string `yaml:"root"`
	} `yaml:"playbooks"`

	Engine struct {
		MaxConcurrentStepRuns int           `yaml:"max_concurrent_step_runs"`
		QueueDepth            int           `yaml:"queue_depth"`
		DefaultTaskTimeout    time.Duration `yaml:"default_task_timeout"`
		InlineMaxBytes        int           `yaml:"inline_max_bytes"`
		PreviewMaxBytes       int           `yaml:"preview_max_bytes"`
	} `yaml:"engine"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`

	Workers int `yaml:"workers"`
}

// Default returns the configuration a bare `noetl-server` run with no
// config file starts from: in-memory store/bus/artifacts, a modest
// worker pool, and the engine's own conservative defaults.
func Default() Config {
	var c Config
	c.Listen = ":8080"
	c.Store.Kind = "memory"
	c.Bus.Kind = "memory"
	c.Artifacts.Kind = "memory"
	c.Playbooks.Root = "."
	c.Engine.MaxConcurrentStepRuns = 8
	c.Engine.QueueDepth = 1024
	c.Engine.DefaultTaskTimeout = 30 * time.Second
	c.Engine.InlineMaxBytes = 32 * 1024
	c.Engine.PreviewMaxBytes = 1024
	c.Workers = 8
	return c
}

// Load reads a YAML document from r into Default()'s base configuration,
// then applies environment variable overrides.
func Load(r io.Reader) (Config, error) {
	c := Default()
	raw, err := io.ReadAll(r)
	if err != nil {
		return c, fmt.Errorf("config: read: %w", err)
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("config: unmarshal: %w", err)
		}
	}
	applyEnvOverrides(&c)
	return c, nil
}

// LoadFile is a convenience wrapper around Load for a path on disk. A
// missing file is not an error: the caller gets Default() plus env
// overrides, so a bare `noetl-server` run works with no config file at
// all.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c := Default()
			applyEnvOverrides(&c)
			return c, nil
		}
		return Config{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// applyEnvOverrides layers NOETL_* environment variables over fields an
// operator commonly needs to vary without editing the checked-in YAML,
// the same os.Getenv convention the keychain package uses for
// credentials.
func applyEnvOverrides(c *Config) {
	if v, ok := os.LookupEnv("NOETL_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := os.LookupEnv("NOETL_STORE_KIND"); ok {
		c.Store.Kind = v
	}
	if v, ok := os.LookupEnv("NOETL_STORE_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := os.LookupEnv("NOETL_BUS_KIND"); ok {
		c.Bus.Kind = v
	}
	if v, ok := os.LookupEnv("NOETL_BUS_DSN"); ok {
		c.Bus.DSN = v
	}
	if v, ok := os.LookupEnv("NOETL_ARTIFACTS_ROOT"); ok {
		c.Artifacts.Root = v
		c.Artifacts.Kind = "filesystem"
	}
	if v, ok := os.LookupEnv("NOETL_PLAYBOOKS_ROOT"); ok {
		c.Playbooks.Root = v
	}
	if v, ok := os.LookupEnv("NOETL_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v, ok := os.LookupEnv("NOETL_METRICS_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("NOETL_TRACING_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}
