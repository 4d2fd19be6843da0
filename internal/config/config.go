package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the relay process configuration.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// Token, when set, is required as ?token= on /cdp and as a bearer
		// token on privileged HTTP routes.
		Token string `yaml:"token"`
	} `yaml:"server"`
	Extensions struct {
		// AllowedIDs is the chrome-extension:// origin allow-list.
		AllowedIDs []string `yaml:"allowedIds"`
		// RequestTimeout bounds every outbound extension request.
		RequestTimeout Duration `yaml:"requestTimeout"`
	} `yaml:"extensions"`
	Relay struct {
		// AutoTab asks the extension for an initial tab on the first driver
		// Target.setAutoAttach when no targets exist yet.
		AutoTab bool `yaml:"autoTab"`
		// TraceCDP logs every CDP frame through the relay at debug level.
		TraceCDP bool `yaml:"traceCdp"`
	} `yaml:"relay"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

const (
	DefaultPort           = 19988
	DefaultHost           = "127.0.0.1"
	DefaultRequestTimeout = 30 * time.Second
)

// LoadFromBytes loads configuration from YAML bytes with environment
// variable expansion.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Extensions.RequestTimeout <= 0 {
		c.Extensions.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
