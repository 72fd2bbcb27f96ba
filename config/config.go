// Package config loads the YAML configuration describing logical
// databases, the remote endpoint, and sync tuning.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Database configures one logical database.
type Database struct {
	// Path of the local database file. Empty means in-memory.
	Path string `yaml:"path,omitempty"`
	// QueryOnly databases never replicate; reads go through the query
	// API instead.
	QueryOnly bool `yaml:"query_only,omitempty"`
}

// Remote configures the remote document endpoint.
type Remote struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Sync tunes the replication loop.
type Sync struct {
	IntervalSec int `yaml:"interval_sec,omitempty"`
	TimeoutSec  int `yaml:"timeout_sec,omitempty"`
}

// Config is the full configuration.
type Config struct {
	Databases map[string]Database `yaml:"databases"`
	Remote    Remote              `yaml:"remote,omitempty"`
	QueryAPI  string              `yaml:"query_api,omitempty"`
	Sync      Sync                `yaml:"sync,omitempty"`
}

// DefaultDatabases are the logical databases the core persists.
var DefaultDatabases = []string{"processes", "organizations", "common", "members"}

// Default returns the configuration used when no file is supplied:
// in-memory databases, with members query-only.
func Default() Config {
	dbs := make(map[string]Database, len(DefaultDatabases))
	for _, name := range DefaultDatabases {
		dbs[name] = Database{QueryOnly: name == "members"}
	}
	return Config{
		Databases: dbs,
		Sync:      Sync{IntervalSec: 30, TimeoutSec: 30},
	}
}

// Load reads and validates a configuration file, filling defaults for
// anything unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	// A file that declares databases owns the full set; one that does
	// not gets the default set.
	if len(c.Databases) == 0 {
		c.Databases = Default().Databases
	}
	if c.Sync.IntervalSec <= 0 {
		c.Sync.IntervalSec = 30
	}
	if c.Sync.TimeoutSec <= 0 {
		c.Sync.TimeoutSec = 30
	}
	return nil
}

// Interval returns the replication interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSec) * time.Second
}

// Timeout returns the per-exchange bound as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Sync.TimeoutSec) * time.Second
}
