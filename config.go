package durable

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the task-hub configuration shared by worker, timer runner, and
// management surfaces. A task hub is the namespace scoping all instances,
// queues, and entity state for one logical deployment of the engine.
type Config struct {
	TaskHub       string        `yaml:"task_hub" json:"task_hub"`
	DatabasePath  string        `yaml:"database_path" json:"database_path"`
	LeaseDuration time.Duration `yaml:"lease_duration" json:"lease_duration"`
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	TimerInterval time.Duration `yaml:"timer_interval" json:"timer_interval"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	Retention     time.Duration `yaml:"retention" json:"retention"`
	PurgeSchedule string        `yaml:"purge_schedule" json:"purge_schedule"`
	ListenAddr    string        `yaml:"listen_addr" json:"listen_addr"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() Config {
	return Config{
		TaskHub:       "default",
		DatabasePath:  "durable.db",
		LeaseDuration: 30 * time.Second,
		PollInterval:  250 * time.Millisecond,
		TimerInterval: 250 * time.Millisecond,
		Concurrency:   4,
		Retention:     24 * time.Hour,
		PurgeSchedule: "@every 1h",
		ListenAddr:    ":8787",
	}
}

// ParseConfig parses YAML (or JSON, which yaml handles) into a Config,
// filling defaults for unset fields.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// LoadConfig reads and parses a config file. An empty path yields defaults.
func LoadConfig(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// UnmarshalYAML decodes durations from strings like "30s" or "24h",
// which yaml does not do for time.Duration on its own.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		TaskHub       string `yaml:"task_hub"`
		DatabasePath  string `yaml:"database_path"`
		LeaseDuration string `yaml:"lease_duration"`
		PollInterval  string `yaml:"poll_interval"`
		TimerInterval string `yaml:"timer_interval"`
		Concurrency   int    `yaml:"concurrency"`
		Retention     string `yaml:"retention"`
		PurgeSchedule string `yaml:"purge_schedule"`
		ListenAddr    string `yaml:"listen_addr"`
	}
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.TaskHub = raw.TaskHub
	c.DatabasePath = raw.DatabasePath
	c.Concurrency = raw.Concurrency
	c.PurgeSchedule = raw.PurgeSchedule
	c.ListenAddr = raw.ListenAddr
	for _, field := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"lease_duration", raw.LeaseDuration, &c.LeaseDuration},
		{"poll_interval", raw.PollInterval, &c.PollInterval},
		{"timer_interval", raw.TimerInterval, &c.TimerInterval},
		{"retention", raw.Retention, &c.Retention},
	} {
		if strings.TrimSpace(field.src) == "" {
			continue
		}
		d, err := time.ParseDuration(field.src)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if strings.TrimSpace(c.TaskHub) == "" {
		c.TaskHub = def.TaskHub
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = def.TimerInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if strings.TrimSpace(c.PurgeSchedule) == "" {
		c.PurgeSchedule = def.PurgeSchedule
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.LeaseDuration < time.Second {
		return fmt.Errorf("lease_duration must be at least 1s, got %s", c.LeaseDuration)
	}
	if c.PollInterval >= c.LeaseDuration {
		return fmt.Errorf("poll_interval %s must be shorter than lease_duration %s", c.PollInterval, c.LeaseDuration)
	}
	return nil
}
