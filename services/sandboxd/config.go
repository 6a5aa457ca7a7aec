package sandboxd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
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
	raw := strings.TrimSpace(value.Value)
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

// Config captures the runtime configuration for sandboxd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	DatabaseURL   string           `yaml:"database_url"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimit        `yaml:"rate_limit"`
	Simulation    SimulationConfig `yaml:"simulation"`
	LogLevel      string           `yaml:"log_level"`
	Environment   string           `yaml:"environment"`
}

// AuthConfig controls bearer JWT validation.
type AuthConfig struct {
	Disabled       bool     `yaml:"disabled"`
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// SimulationConfig shapes the simulated settlement.
type SimulationConfig struct {
	// PhaseDuration is the expected time spent in each forward phase; it
	// drives eta_seconds.
	PhaseDuration         Duration `yaml:"phase_duration"`
	RequiredConfirmations int      `yaml:"required_confirmations"`
	Network               string   `yaml:"network"`
	// ReleaseAfter completes FIAT_CONFIRMED trades; zero disables it.
	ReleaseAfter Duration `yaml:"release_after"`
	// TradeTTL expires trades still CREATED after this long; zero disables it.
	TradeTTL      Duration `yaml:"trade_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LoadConfig reads configuration from the supplied path. An empty path
// loads defaults plus SANDBOXD_* overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_JWT_SECRET")); v != "" {
		cfg.Auth.HMACSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_AUTH_DISABLED")); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SANDBOXD_AUTH_DISABLED: %w", err)
		}
		cfg.Auth.Disabled = disabled
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOXD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8088"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "file:sandboxd.db?cache=shared"
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Simulation.PhaseDuration.Duration <= 0 {
		cfg.Simulation.PhaseDuration.Duration = time.Minute
	}
	if cfg.Simulation.RequiredConfirmations <= 0 {
		cfg.Simulation.RequiredConfirmations = 6
	}
	if cfg.Simulation.Network == "" {
		cfg.Simulation.Network = "base-sepolia"
	}
	if cfg.Simulation.SweepInterval.Duration <= 0 {
		cfg.Simulation.SweepInterval.Duration = 5 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Environment == "" {
		cfg.Environment = "sandbox"
	}
}

func validateConfig(cfg Config) error {
	if !cfg.Auth.Disabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured unless auth is disabled")
	}
	if cfg.Auth.HMACSecret != "" && len(cfg.Auth.HMACSecret) < 16 {
		return fmt.Errorf("auth.hmac_secret must be at least 16 bytes")
	}
	if cfg.Simulation.ReleaseAfter.Duration < 0 || cfg.Simulation.TradeTTL.Duration < 0 {
		return fmt.Errorf("simulation durations must not be negative")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if path := strings.TrimSpace(a.HMACSecretFile); path != "" && a.HMACSecret == "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}
