package sandboxd

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"settletrack/observability/metrics"
)

// RateLimit bounds action requests per client.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address. Idle buckets are
// evicted on access after idleTTL.
type RateLimiter struct {
	limit   RateLimit
	idleTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	swept    time.Time
}

// NewRateLimiter builds a limiter for the supplied budget.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		idleTTL:  5 * time.Minute,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware rejects requests over budget with 429. route labels the
// throttle metric.
func (r *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r == nil || r.limit.RequestsPerMinute <= 0 {
				next.ServeHTTP(w, req)
				return
			}
			if !r.allow(clientID(req)) {
				metrics.Sandbox().IncThrottle(route)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(id string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.swept) > r.idleTTL {
		for key, v := range r.visitors {
			if now.Sub(v.lastSeen) > r.idleTTL {
				delete(r.visitors, key)
			}
		}
		r.swept = now
	}
	v, ok := r.visitors[id]
	if !ok {
		burst := r.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientID keys buckets by the remote host. chi's RealIP middleware has
// already folded proxy headers into RemoteAddr.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
