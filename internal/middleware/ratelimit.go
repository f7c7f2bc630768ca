package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/ugoite/ugoite-server/internal/telemetry"
)

// Limiter decides whether a keyed request may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitConfig configures the limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// localLimiter is a per-process token bucket per key. Idle buckets are
// swept so long-running processes do not accumulate one entry per
// client forever.
type localLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewLocalLimiter creates an in-memory token-bucket limiter.
func NewLocalLimiter(cfg RateLimitConfig) Limiter {
	l := &localLimiter{
		cfg:     cfg,
		buckets: map[string]*bucket{},
		stopCh:  make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *localLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for key, b := range l.buckets {
				if b.lastUpdate.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *localLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst) - 1, lastUpdate: now}
		return true, nil
	}

	refill := now.Sub(b.lastUpdate).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(float64(l.cfg.Burst), b.tokens+refill)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// redisLimiter shares rate-limit state between replicas through Redis.
type redisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a shared limiter from a redis URL.
func NewRedisLimiter(redisURL string, cfg RateLimitConfig) (Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &redisLimiter{
		limiter: redis_rate.NewLimiter(redis.NewClient(opts)),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.Burst,
			Period: time.Minute,
		},
	}, nil
}

func (r *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := r.limiter.Allow(ctx, key, r.limit)
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}

// RateLimit rejects over-limit requests with 429. Keys prefer the
// authenticated user over the client IP. A limiter backend error fails
// open: dropping traffic because Redis is down hurts more than briefly
// exceeding the limit.
func RateLimit(limiter Limiter, metrics *telemetry.Metrics, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), rateLimitKey(c))
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			if metrics != nil {
				metrics.RateLimited.Inc()
			}
			c.Header("Retry-After", strconv.Itoa(60))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":   "rate_limited",
				"detail": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// rateLimitKey prefers the authenticated principal over the client IP.
func rateLimitKey(c *gin.Context) string {
	if identity, ok := IdentityFromContext(c); ok && identity.UserID != "" {
		return "user:" + identity.UserID
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
