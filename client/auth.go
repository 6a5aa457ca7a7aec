package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNoCredential is returned when no bearer token is available. Opening a
// tracked view without one is a fatal precondition.
var ErrNoCredential = errors.New("client: no credential available")

// AuthProvider supplies the bearer token attached to every request and push
// subscription. Implementations must be safe for concurrent use.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements AuthProvider.
func (t StaticToken) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// EnvToken reads the token from an environment variable on every call so
// rotated credentials are picked up.
type EnvToken string

// Token implements AuthProvider.
func (e EnvToken) Token(context.Context) (string, error) {
	name := strings.TrimSpace(string(e))
	if name == "" {
		return "", ErrNoCredential
	}
	token := strings.TrimSpace(os.Getenv(name))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoCredential, name)
	}
	return token, nil
}

// FileToken reads the token from a file, caching it for TTL.
type FileToken struct {
	Path string
	TTL  time.Duration

	mu      sync.Mutex
	token   string
	fetched time.Time
	now     func() time.Time
}

// NewFileToken constructs a file-backed provider. A zero ttl re-reads the
// file on every call.
func NewFileToken(path string, ttl time.Duration) *FileToken {
	return &FileToken{Path: path, TTL: ttl, now: time.Now}
}

// Token implements AuthProvider.
func (f *FileToken) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	if f.token != "" && f.TTL > 0 && now().Sub(f.fetched) < f.TTL {
		return f.token, nil
	}
	path := strings.TrimSpace(f.Path)
	if path == "" {
		return "", ErrNoCredential
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoCredential, path)
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoCredential, path)
	}
	f.token = token
	f.fetched = now()
	return token, nil
}
