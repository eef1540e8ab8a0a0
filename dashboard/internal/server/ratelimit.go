package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const limiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key inside a fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string]window
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type window struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter returns a process-local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryLimiter(now func() time.Time) *memoryLimiter {
	return &memoryLimiter{
		entries: make(map[string]window),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

func (rl *memoryLimiter) Allow(key string, limit int, span time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if span <= 0 {
		span = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.entries[key]
	if !ok || now.After(w.end) {
		w = window{count: 1, end: now.Add(span)}
		rl.entries[key] = w
		return Decision{Allowed: true, Count: 1, WindowEnd: w.end}
	}
	if w.count >= limit {
		return Decision{Allowed: false, Count: w.count, WindowEnd: w.end}
	}
	w.count++
	rl.entries[key] = w
	return Decision{Allowed: true, Count: w.count, WindowEnd: w.end}
}

func (rl *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.entries {
		if now.After(w.end) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}

type redisLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter returns a limiter shared by every dashboard instance
// pointing at the same Redis.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "devmarket:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

// Allow fails open when Redis is unavailable.
func (rl *redisLimiter) Allow(key string, limit int, span time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if span <= 0 {
		span = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.logError("incr", err)
		return Decision{Allowed: true}
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, span).Err(); err != nil {
			rl.logError("expire", err)
		}
	}
	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl <= 0 {
		ttl = span
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		WindowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisLimiter) Close() {
	_ = rl.client.Close()
}

func (rl *redisLimiter) logError(op string, err error) {
	if rl.logger != nil {
		rl.logger.Error("redis rate limiter error", "op", op, "error", err)
	}
}

func (s *Server) withRateLimit(route string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limit <= 0 || s.limiter == nil {
			next(w, r)
			return
		}
		key := route + ":" + clientIP(r)
		decision := s.limiter.Allow(key, limit, time.Minute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		remaining := limit - decision.Count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !decision.WindowEnd.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.WindowEnd.Unix(), 10))
		}
		if !decision.Allowed {
			s.metrics.rateLimited(route)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return host
}
