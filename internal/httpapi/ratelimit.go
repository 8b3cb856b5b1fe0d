package httpapi

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// bucketIdleTTL is how long an untouched bucket is kept before eviction.
const bucketIdleTTL = 10 * time.Minute

var rateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	},
	[]string{"scope"},
)

func init() {
	prometheus.MustRegister(rateLimitedTotal)
}

type RateLimitConfig struct {
	IPPerMinute           int
	IPBurst               int
	OrganizationPerMinute int
	OrganizationBurst     int
}

// RateLimiter applies token buckets per client IP and per authenticated
// organization.
type RateLimiter struct {
	ipLimiter  *keyedLimiter
	orgLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:  newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		orgLimiter: newKeyedLimiter(cfg.OrganizationPerMinute, cfg.OrganizationBurst),
	}
}

// Middleware limits requests per client IP. It runs ahead of authentication.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		if ip := clientIP(r); ip != "" {
			if wait, ok := l.ipLimiter.take(ip); !ok {
				rejectRateLimited(w, r, "ip", wait)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// OrganizationMiddleware limits requests per organization of the
// authenticated principal. It must sit behind AuthMiddleware.
func (l *RateLimiter) OrganizationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if !ok || principal.OrganizationID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if wait, ok := l.orgLimiter.take(principal.OrganizationID); !ok {
			rejectRateLimited(w, r, "organization", wait)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rejectRateLimited(w http.ResponseWriter, r *http.Request, scope string, wait time.Duration) {
	rateLimitedTotal.WithLabelValues(scope).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// keyedLimiter holds one token bucket per key. Buckets refill continuously at
// perSecond and hold at most capacity tokens.
type keyedLimiter struct {
	mu        sync.Mutex
	perSecond float64
	capacity  float64
	buckets   map[string]*tokenBucket
	lastSweep time.Time
	now       func() time.Time
}

type tokenBucket struct {
	available float64
	updated   time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		perSecond: float64(perMinute) / 60,
		capacity:  float64(burst),
		buckets:   make(map[string]*tokenBucket),
		now:       time.Now,
	}
}

// take consumes one token for key. When the bucket is empty it reports how
// long until the next token is available.
func (l *keyedLimiter) take(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	tb, found := l.buckets[key]
	if !found {
		tb = &tokenBucket{available: l.capacity, updated: now}
		l.buckets[key] = tb
	} else {
		refill := now.Sub(tb.updated).Seconds() * l.perSecond
		tb.available = math.Min(l.capacity, tb.available+refill)
		tb.updated = now
	}

	if tb.available < 1 {
		missing := (1 - tb.available) / l.perSecond
		return time.Duration(missing * float64(time.Second)), false
	}
	tb.available--
	return 0, true
}

func (l *keyedLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < bucketIdleTTL {
		return
	}
	for key, tb := range l.buckets {
		if now.Sub(tb.updated) >= bucketIdleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func (l *keyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
