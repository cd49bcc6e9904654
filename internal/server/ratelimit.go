package server

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request rates. GlobalRPS applies to every request;
// UploadLimit caps how many uploads a client IP may start per UploadWindow.
// When Redis is set the per-IP counters are shared between API replicas.
type RateLimitConfig struct {
	GlobalRPS             float64
	GlobalBurst           int
	UploadLimit           int
	UploadWindow          time.Duration
	TrustForwardedHeaders bool
	Redis                 redis.UniversalClient
	RedisPrefix           string
}

type rateLimiter struct {
	global        *tokenBucket
	uploadLimit   int
	uploadWindow  time.Duration
	uploadMu      sync.Mutex
	uploadBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		uploadLimit:   max(cfg.UploadLimit, 0),
		uploadWindow:  cfg.UploadWindow,
		uploadBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.uploadWindow <= 0 {
		rl.uploadWindow = time.Minute
	}
	if cfg.Redis != nil && rl.uploadLimit > 0 {
		rl.store = newRedisStore(cfg.Redis, cfg.RedisPrefix)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowUpload(ctx context.Context, ip string) (bool, time.Duration, error) {
	if r == nil || r.uploadLimit <= 0 {
		return true, 0, nil
	}
	if ip == "" {
		ip = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, ip, r.uploadLimit, r.uploadWindow)
	}
	r.uploadMu.Lock()
	limiter, exists := r.uploadBuckets[ip]
	if !exists {
		rate := float64(r.uploadLimit) / r.uploadWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.uploadLimit)}
		r.uploadBuckets[ip] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.uploadMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.retryAfter(), nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.uploadWindow)
	for key, limiter := range r.uploadBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.uploadBuckets, key)
		}
	}
}

// isUploadStart matches the requests that open a new upload.
func isUploadStart(r *http.Request) bool {
	return r.Method == http.MethodPost && (r.URL.Path == "/api/init-upload" || r.URL.Path == "/api/upload")
}

func rateLimitMiddleware(rl *rateLimiter, resolver clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if isUploadStart(r) {
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), resolver.resolve(r))
			if err != nil {
				if l := loggingWithRequest(logger, resolver, r); l != nil {
					l.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many uploads started")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIPResolver picks the address a request is attributed to. Forwarded
// headers are ignored unless the server sits behind a trusted proxy.
type clientIPResolver struct {
	trustForwarded bool
}

func (c clientIPResolver) resolve(r *http.Request) string {
	if c.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *tokenBucket) retryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.lastCheck).Seconds()*tb.rate)
	tb.lastCheck = now
}
