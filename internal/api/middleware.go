package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cygnus-wealth/portfolio-engine/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long a limiter can be idle before cleanup.
	staleLimiterTTL = 10 * time.Minute

	// cleanupInterval is how often the background goroutine sweeps stale entries.
	cleanupInterval = time.Minute
)

// endpointLimit defines rate limit parameters for an endpoint rule.
type endpointLimit struct {
	rps   rate.Limit
	burst int
}

// retryAfter is the whole number of seconds until one token refills.
func (l endpointLimit) retryAfter() string {
	if l.rps <= 0 {
		return "60"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(l.rps)))))
}

// limiterEntry wraps a rate.Limiter with a last-accessed timestamp for TTL-based eviction.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limitScope selects who shares a token bucket.
type limitScope int

const (
	// scopeClient gives each client IP its own bucket.
	scopeClient limitScope = iota
	// scopeResource gives each client IP one bucket per targeted account or
	// connection, taken from the path after the rule prefix.
	scopeResource
	// scopeGlobal shares one bucket across all callers.
	scopeGlobal
)

type endpointRule struct {
	name   string
	method string // "" matches any
	prefix string
	scope  limitScope
	limit  endpointLimit
}

// RateLimitMiddleware limits API requests per endpoint rule. A refresh fans
// out to every source, so it is limited once for the whole process rather
// than per caller.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // key: "rule|scope key"
	rules    []endpointRule
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable clock for testing
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware creates the middleware with the default rules and
// starts a goroutine that sweeps idle limiters. Call Stop to release it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		logger:   logger,
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
		rules: []endpointRule{
			{name: "refresh", method: http.MethodPost, prefix: "/v1/portfolio/refresh", scope: scopeGlobal, limit: endpointLimit{rps: rate.Limit(1.0 / 10), burst: 1}},    // 1 req/10s
			{name: "track", method: http.MethodPost, prefix: "/v1/accounts", scope: scopeClient, limit: endpointLimit{rps: rate.Limit(30.0 / 60), burst: 5}},           // 30 req/min
			{name: "untrack", method: http.MethodDelete, prefix: "/v1/accounts/", scope: scopeResource, limit: endpointLimit{rps: rate.Limit(6.0 / 60), burst: 2}},     // 6 req/min per account
			{name: "disconnect", method: http.MethodDelete, prefix: "/v1/wallets/", scope: scopeResource, limit: endpointLimit{rps: rate.Limit(6.0 / 60), burst: 2}}, // 6 req/min per connection
			{name: "default", scope: scopeClient, limit: endpointLimit{rps: 20, burst: 40}},
		},
	}
	go rl.cleanupLoop()
	return rl
}

// Stop shuts down the cleanup goroutine. Safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

// evictStale removes limiters not used within staleLimiterTTL.
func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of live limiter entries.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap applies the matching rule before delegating to next.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		rule := rl.match(r.Method, r.URL.Path)

		if !rl.limiter(rule.key(r.URL.Path, clientIP), rule.limit).Allow() {
			metrics.APIRateLimited.WithLabelValues(rule.name).Inc()
			w.Header().Set("Retry-After", rule.limit.retryAfter())
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("api rate limit exceeded",
				"rule", rule.name,
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// key builds the limiter key for a request matched by rule.
func (rule endpointRule) key(path, clientIP string) string {
	switch rule.scope {
	case scopeGlobal:
		return rule.name
	case scopeResource:
		return rule.name + "|" + clientIP + "|" + strings.TrimPrefix(path, rule.prefix)
	default:
		return rule.name + "|" + clientIP
	}
}

// extractClientIP determines the client's IP address from the request.
// It checks, in order: X-Forwarded-For (first IP), X-Real-IP, then RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// The first entry is the original client.
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// match returns the first rule for method and path. The rule table ends
// with a catch-all, so a match always exists.
func (rl *RateLimitMiddleware) match(method, path string) endpointRule {
	for _, rule := range rl.rules {
		if rule.method != "" && !strings.EqualFold(rule.method, method) {
			continue
		}
		if rule.prefix != "" && !strings.HasPrefix(path, rule.prefix) {
			continue
		}
		return rule
	}
	return rl.rules[len(rl.rules)-1]
}

// limiter returns the limiter for key, creating it with limit on first use.
func (rl *RateLimitMiddleware) limiter(key string, limit endpointLimit) *rate.Limiter {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	l := rate.NewLimiter(limit.rps, limit.burst)
	rl.limiters[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

// AuditMiddleware logs every mutating request with its outcome.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "api_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		auditLogger.Info("api audit",
			"request_id", uuid.NewString(),
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
