package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the controller configuration, loadable from a YAML file.
// Flags override file values; the zero value falls back to defaults.
type Config struct {
	DBPath          string `yaml:"db_path"`
	MonitorInterval int    `yaml:"monitor_interval"` // seconds
	Listen          string `yaml:"listen"`
}

// Defaults applied when neither file nor flags say otherwise.
const (
	DefaultListen          = "0.0.0.0:6633"
	DefaultMonitorInterval = 10 // seconds
)

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values no deployment can mean.
func (c Config) Validate() error {
	if c.MonitorInterval < 0 {
		return fmt.Errorf("monitor_interval must be positive, got %d", c.MonitorInterval)
	}
	return nil
}

// Interval returns the monitor interval as a duration, defaulted.
func (c Config) Interval() time.Duration {
	if c.MonitorInterval == 0 {
		return DefaultMonitorInterval * time.Second
	}
	return time.Duration(c.MonitorInterval) * time.Second
}
