package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"settletrack/client"
)

// Duration wraps time.Duration so both YAML and TOML files can use
// human readable values such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env values.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the settle-track client configuration.
type Config struct {
	Authority     AuthorityConfig `yaml:"authority" toml:"authority"`
	Tracking      TrackingConfig  `yaml:"tracking" toml:"tracking"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	MetricsListen string          `yaml:"metrics_listen" toml:"metrics_listen"`
}

// AuthorityConfig locates the settlement authority and its credential.
type AuthorityConfig struct {
	BaseURL   string   `yaml:"base_url" toml:"base_url"`
	Token     string   `yaml:"token" toml:"token"`
	TokenFile string   `yaml:"token_file" toml:"token_file"`
	TokenEnv  string   `yaml:"token_env" toml:"token_env"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	RateLimit float64  `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int      `yaml:"burst" toml:"burst"`
}

// TrackingConfig tunes the update channels.
type TrackingConfig struct {
	PollInterval     Duration `yaml:"poll_interval" toml:"poll_interval"`
	ReconnectInitial Duration `yaml:"reconnect_initial" toml:"reconnect_initial"`
	ReconnectMax     Duration `yaml:"reconnect_max" toml:"reconnect_max"`
	DisablePush      bool     `yaml:"disable_push" toml:"disable_push"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Env        string `yaml:"env" toml:"env"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	Traces   bool   `yaml:"traces" toml:"traces"`
}

// Load reads the configuration at path, picking the decoder by extension,
// then applies SETTLETRACK_* environment overrides and defaults. An empty
// path yields a configuration built from the environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
		return nil
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("config file %s: unsupported extension %q", path, ext)
	}
}

// AuthProvider returns the credential source described by the configuration.
// An inline token wins over a token file, which wins over the environment.
func (c AuthorityConfig) AuthProvider() client.AuthProvider {
	switch {
	case strings.TrimSpace(c.Token) != "":
		return client.StaticToken(c.Token)
	case strings.TrimSpace(c.TokenFile) != "":
		return client.NewFileToken(c.TokenFile, time.Minute)
	default:
		return client.EnvToken(c.TokenEnv)
	}
}

// ClientOptions converts the authority settings into client options.
func (c AuthorityConfig) ClientOptions() []client.Option {
	opts := []client.Option{client.WithUserAgent("settle-track")}
	if c.Timeout.Duration > 0 {
		opts = append(opts, client.WithTimeout(c.Timeout.Duration))
	}
	if c.RateLimit > 0 {
		opts = append(opts, client.WithRateLimit(c.RateLimit, c.Burst))
	}
	return opts
}
