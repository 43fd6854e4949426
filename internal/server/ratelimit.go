package server

import (
	"context"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const loginKeyPrefix = "files-manager:login:"

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	LoginLimit  int
	LoginWindow time.Duration
	// Redis, when set, shares login counters across instances.
	Redis        redis.UniversalClient
	RedisTimeout time.Duration
}

// attemptStore counts login attempts per key within a window.
type attemptStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// rateLimiter applies an optional process-wide request budget and a per-key
// login budget. Login keys name either the client address or the account.
type rateLimiter struct {
	global      *tokenBucket
	loginLimit  int
	loginWindow time.Duration
	attempts    attemptStore
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		loginLimit:  max(cfg.LoginLimit, 0),
		loginWindow: cfg.LoginWindow,
	}
	if rl.loginWindow <= 0 {
		rl.loginWindow = time.Minute
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if cfg.Redis != nil {
		rl.attempts = newRedisStore(cfg.Redis, cfg.RedisTimeout)
	} else {
		rl.attempts = newMemoryAttempts()
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowLogin charges one attempt to every key and denies when any of them is
// over budget, reporting the longest wait.
func (r *rateLimiter) AllowLogin(ctx context.Context, keys ...string) (bool, time.Duration, error) {
	if r == nil || r.loginLimit == 0 {
		return true, 0, nil
	}
	allowed := true
	var retryAfter time.Duration
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		ok, wait, err := r.attempts.Allow(ctx, loginKeyPrefix+key, r.loginLimit, r.loginWindow)
		if err != nil {
			return false, 0, err
		}
		if !ok {
			allowed = false
			retryAfter = max(retryAfter, wait)
		}
	}
	return allowed, retryAfter, nil
}

func clientLoginKey(ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

func accountLoginKey(email string) string {
	if email == "" {
		return ""
	}
	return "account:" + email
}

// memoryAttempts keeps one token bucket per key, refilled at limit/window.
// Buckets idle for two windows are dropped on the next call.
type memoryAttempts struct {
	mu      sync.Mutex
	buckets map[string]*idleBucket
}

type idleBucket struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

func newMemoryAttempts() *memoryAttempts {
	return &memoryAttempts{buckets: make(map[string]*idleBucket)}
}

func (m *memoryAttempts) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := time.Now()
	m.mu.Lock()
	entry, ok := m.buckets[key]
	if !ok {
		entry = &idleBucket{bucket: newTokenBucket(float64(limit)/window.Seconds(), limit)}
		m.buckets[key] = entry
	}
	entry.lastSeen = now
	cutoff := now.Add(-2 * window)
	for k, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, k)
		}
	}
	m.mu.Unlock()

	if entry.bucket.Allow() {
		return true, 0, nil
	}
	return false, entry.bucket.RetryAfter(), nil
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
	burst = max(burst, 1)
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.lastCheck).Seconds()*tb.rate)
	tb.lastCheck = now
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

// RetryAfter estimates the wait until one token is available, rounded up to
// whole seconds.
func (tb *tokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	wait := time.Duration(missing / tb.rate * float64(time.Second))
	return wait.Truncate(time.Second) + time.Second
}
