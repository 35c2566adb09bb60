// Package config loads the optional liveserve.yaml project file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/liveserve/internal/files"
	"gopkg.in/yaml.v3"
)

// FileName is the name searched for, walking up from the working directory.
const FileName = "liveserve.yaml"

const (
	DefaultEnvironment       = "main"
	DefaultReadyTimeout      = 5 * time.Second
	DefaultTerminateTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultDebounce          = 100 * time.Millisecond
)

type Config struct {
	// Path is where the config was loaded from, empty for defaults.
	Path string `yaml:"-"`

	RemoteURL   string   `yaml:"remote_url"`
	Environment string   `yaml:"environment"`
	Command     []string `yaml:"command"`
	Env         []string `yaml:"env"`
	Watch       []string `yaml:"watch"`
	Ignore      []string `yaml:"ignore"`

	ReadyTimeout         time.Duration `yaml:"ready_timeout"`
	TerminateTimeout     time.Duration `yaml:"terminate_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxHeartbeatFailures int           `yaml:"max_heartbeat_failures"`
	Debounce             time.Duration `yaml:"debounce"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func Default() *Config {
	return &Config{
		Environment:       DefaultEnvironment,
		ReadyTimeout:      DefaultReadyTimeout,
		TerminateTimeout:  DefaultTerminateTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Debounce:          DefaultDebounce,
		LogLevel:          "info",
	}
}

// Load reads the file at path on top of the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Discover looks for FileName in dir and its parents.
// If none is found, the defaults are returned.
func Discover(dir string) (*Config, error) {
	path, err := files.FindUp(FileName, dir)
	if err != nil {
		return nil, fmt.Errorf("searching for %s: %w", FileName, err)
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) Validate() error {
	if c.ReadyTimeout < 0 {
		return errors.New("ready_timeout must not be negative")
	}
	if c.TerminateTimeout <= 0 {
		return errors.New("terminate_timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.MaxHeartbeatFailures < 0 {
		return errors.New("max_heartbeat_failures must not be negative")
	}
	if c.Debounce < 0 {
		return errors.New("debounce must not be negative")
	}
	return nil
}
