package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// keys that are never masked
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"kind":      {},
	"source":    {},
	"status":    {},
	"outcome":   {},
	"action":    {},
	"event":     {},
}

func plain(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField redacts value unless key is one of the plain log keys. Empty
// values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plain(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL keeps the scheme and host of a URL and redacts its path, query
// and credentials. Values that do not parse as absolute URLs are redacted
// whole.
func MaskURL(key, raw string) slog.Attr {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.String(key, raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return slog.String(key, RedactedValue)
	}
	masked := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		masked += "/" + RedactedValue
	}
	return slog.String(key, masked)
}

// MaskAddress shortens a hex address to its first six and last four
// characters, enough to correlate log lines without logging it in full.
func MaskAddress(key, addr string) slog.Attr {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return MaskField(key, addr)
	}
	return slog.String(key, addr[:6]+"…"+addr[len(addr)-4:])
}
