package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL      = "http://localhost:8088"
	defaultTokenEnv     = "SETTLETRACK_TOKEN"
	defaultPollInterval = 5 * time.Second
	defaultReconnect    = time.Second
	defaultReconnectMax = 30 * time.Second
)

func applyDefaults(cfg *Config) {
	if cfg.Authority.BaseURL == "" {
		cfg.Authority.BaseURL = defaultBaseURL
	}
	if cfg.Authority.TokenEnv == "" {
		cfg.Authority.TokenEnv = defaultTokenEnv
	}
	if cfg.Authority.Timeout.Duration == 0 {
		cfg.Authority.Timeout.Duration = 10 * time.Second
	}
	if cfg.Authority.RateLimit > 0 && cfg.Authority.Burst <= 0 {
		cfg.Authority.Burst = 1
	}
	if cfg.Tracking.PollInterval.Duration == 0 {
		cfg.Tracking.PollInterval.Duration = defaultPollInterval
	}
	if cfg.Tracking.ReconnectInitial.Duration == 0 {
		cfg.Tracking.ReconnectInitial.Duration = defaultReconnect
	}
	if cfg.Tracking.ReconnectMax.Duration == 0 {
		cfg.Tracking.ReconnectMax.Duration = defaultReconnectMax
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 50
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 3
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 14
		}
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
}

func validateConfig(cfg Config) error {
	u, err := url.Parse(cfg.Authority.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("authority.base_url must be an absolute http(s) url")
	}
	if cfg.Tracking.PollInterval.Duration < 100*time.Millisecond {
		return fmt.Errorf("tracking.poll_interval must be at least 100ms")
	}
	if cfg.Tracking.ReconnectMax.Duration < cfg.Tracking.ReconnectInitial.Duration {
		return fmt.Errorf("tracking.reconnect_max must not be below reconnect_initial")
	}
	if cfg.Authority.RateLimit < 0 {
		return fmt.Errorf("authority.rate_limit must not be negative")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", cfg.Logging.Level)
	}
	return nil
}

// applyEnv overrides file values with SETTLETRACK_* variables.
func applyEnv(cfg *Config) error {
	if v := getenv("SETTLETRACK_BASE_URL"); v != "" {
		cfg.Authority.BaseURL = v
	}
	if v := getenv("SETTLETRACK_TOKEN_FILE"); v != "" {
		cfg.Authority.TokenFile = v
	}
	if v := getenv("SETTLETRACK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("SETTLETRACK_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := getenv("SETTLETRACK_ENV"); v != "" {
		cfg.Logging.Env = v
	}
	if v := getenv("SETTLETRACK_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := getenv("SETTLETRACK_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Traces = true
		cfg.Telemetry.Metrics = true
	}
	if v := getenv("SETTLETRACK_OTLP_HEADERS"); v != "" {
		cfg.Telemetry.Headers = v
	}
	if v := getenv("SETTLETRACK_POLL_INTERVAL"); v != "" {
		if err := cfg.Tracking.PollInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("SETTLETRACK_POLL_INTERVAL: %w", err)
		}
	}
	if v := getenv("SETTLETRACK_RATE_LIMIT"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SETTLETRACK_RATE_LIMIT: %w", err)
		}
		cfg.Authority.RateLimit = parsed
	}
	if v := getenv("SETTLETRACK_DISABLE_PUSH"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SETTLETRACK_DISABLE_PUSH: %w", err)
		}
		cfg.Tracking.DisablePush = parsed
	}
	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
