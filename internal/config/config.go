package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/embuer/embuer/internal/update"
)

const (
	DefaultPath   = "/etc/embuer/config.yaml"
	DefaultListen = "unix:///run/embuer/embuer.sock"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Update  UpdateConfig  `yaml:"update"`
	Notify  NotifyConfig  `yaml:"notify"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	// Listen is unix:///path/to/socket or tcp://host:port.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type UpdateConfig struct {
	DeploymentsDir string `yaml:"deployments_dir"`
	PublicKeyPEM   string `yaml:"public_key_pem"`
	AutoInstall    bool   `yaml:"auto_install"`
	// URL is polled every CheckInterval when both are set.
	URL           string        `yaml:"url"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MinFreeBytes  uint64        `yaml:"min_free_bytes"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
}

type NotifyConfig struct {
	WatcherBuffer int `yaml:"watcher_buffer"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: DefaultListen,
		},
		Log: LogConfig{
			Level: "info",
			File:  "console",
		},
		Update: UpdateConfig{
			DeploymentsDir: "/var/lib/embuer/deployments",
			PublicKeyPEM:   "/etc/embuer/pubkey.pem",
			CheckInterval:  time.Hour,
			MinFreeBytes:   256 << 20,
			HTTPTimeout:    5 * time.Minute,
		},
		Notify: NotifyConfig{
			WatcherBuffer: update.DefaultWatcherBuffer,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.Listen, "unix://") && !strings.HasPrefix(c.Server.Listen, "tcp://") {
		return fmt.Errorf("server.listen %q: want unix:// or tcp:// address", c.Server.Listen)
	}
	if c.Update.DeploymentsDir == "" {
		return errors.New("update.deployments_dir must be set")
	}
	if c.Update.CheckInterval < 0 {
		return fmt.Errorf("update.check_interval must not be negative, got %s", c.Update.CheckInterval)
	}
	if c.Update.HTTPTimeout <= 0 {
		return fmt.Errorf("update.http_timeout must be positive, got %s", c.Update.HTTPTimeout)
	}
	if c.Update.URL != "" && !strings.HasPrefix(c.Update.URL, "http://") && !strings.HasPrefix(c.Update.URL, "https://") {
		return fmt.Errorf("update.url %q: want http or https", c.Update.URL)
	}
	if c.Notify.WatcherBuffer < 1 {
		return fmt.Errorf("notify.watcher_buffer must be at least 1, got %d", c.Notify.WatcherBuffer)
	}
	return nil
}

// CheckerEnabled reports whether the periodic URL check should run.
func (c *Config) CheckerEnabled() bool {
	return c.Update.URL != "" && c.Update.CheckInterval > 0
}
