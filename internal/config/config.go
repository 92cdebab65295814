// Package config wraps viper-based configuration loading for the netsweep
// services.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is a nil-safe wrapper around a viper instance.
type Config struct {
	v *viper.Viper
}

// New wraps an existing viper instance. A nil viper yields a Config that
// returns zero values.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

// Load reads the configuration file at path (YAML) and applies defaults and
// NETSWEEP_* environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("discoverer.workers", 5)
	v.SetDefault("discoverer.delay", "60s")
	v.SetDefault("discoverer.socket", "/tmp/netsweep-discoverer.sock")
	v.SetDefault("discoverer.source_ip", "")
	v.SetDefault("pgmanager.socket", "/tmp/netsweep-pgmanager.sock")
	v.SetDefault("rules.file", "rules.yaml")
	v.SetDefault("database.path", "netsweep.db")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("timeouts.simple", "3s")
	v.SetDefault("timeouts.agent", "3s")
	v.SetDefault("timeouts.snmp", "3s")

	v.SetEnvPrefix("NETSWEEP")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	return New(v), nil
}

// GetString returns the string value for key.
func (c *Config) GetString(key string) string {
	if c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

// GetInt returns the int value for key.
func (c *Config) GetInt(key string) int {
	if c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

// GetBool returns the bool value for key.
func (c *Config) GetBool(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

// GetDuration returns the duration value for key.
func (c *Config) GetDuration(key string) time.Duration {
	if c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

// IsSet reports whether key has a value.
func (c *Config) IsSet(key string) bool {
	if c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the subtree under key; never nil.
func (c *Config) Sub(key string) *Config {
	if c.v == nil {
		return New(nil)
	}
	return New(c.v.Sub(key))
}

// Unmarshal decodes the configuration into target.
func (c *Config) Unmarshal(target any) error {
	if c.v == nil {
		return nil
	}
	return c.v.Unmarshal(target)
}

// TimeoutFor resolves a global check timeout key, validating the 1..600s
// range the probes accept.
func (c *Config) TimeoutFor(key string) (time.Duration, error) {
	d := c.GetDuration(key)
	if d < time.Second || d > 600*time.Second {
		return 0, fmt.Errorf("timeout %q out of range 1s..600s", c.GetString(key))
	}
	return d, nil
}
