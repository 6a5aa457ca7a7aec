package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"settletrack/observability"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// Client talks to the settlement authority's REST surface. Every request
// carries the bearer token supplied by the AuthProvider.
type Client struct {
	baseURL   *url.URL
	auth      AuthProvider
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The supplied client is
// used as is, without tracing instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithRateLimit paces outbound requests. A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = strings.TrimSpace(ua) }
}

// New constructs a client for the authority at baseURL.
func New(baseURL string, auth AuthProvider, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	if auth == nil {
		return nil, ErrNoCredential
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	c := &Client{
		baseURL: parsed,
		auth:    auth,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userAgent: "settletrack",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Auth returns the credential provider shared with push subscriptions.
func (c *Client) Auth() AuthProvider {
	return c.auth
}

// APIError is a non-2xx response from the authority.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("authority returned %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("authority returned %d: %s", e.StatusCode, msg)
}

// IsTransient reports whether err is worth retrying on the next tick:
// transport failures, timeouts, throttling and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoCredential) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 ||
			apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNotFound reports whether err is a 404 from the authority.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do issues one request. endpoint is the low-cardinality label used for
// metrics; path is appended to the base URL.
func (c *Client) do(ctx context.Context, method, endpoint, path string, body, out any) error {
	if c.limiter != nil {
		start := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		observability.Client().ObserveWait(time.Since(start))
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.Client().Observe(endpoint, 0, time.Since(start))
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	observability.Client().Observe(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload errorBody
	if err := json.Unmarshal(raw, &payload); err == nil {
		apiErr.Code = strings.TrimSpace(payload.Code)
		apiErr.Message = strings.TrimSpace(payload.Error)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(payload.Message)
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// eventsURL returns the websocket URL for a push path.
func (c *Client) eventsURL(path string) string {
	scheme := "ws"
	if c.baseURL.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + c.baseURL.Host + c.baseURL.Path + path
}
