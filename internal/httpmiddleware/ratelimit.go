package httpmiddleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"geoattend/internal/apperr"
	"geoattend/internal/auth"
)

// Allower decides whether the caller identified by key may proceed.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SimpleTokenBucket is an in-memory rate limiter used when Redis is not available.
type SimpleTokenBucket struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
		now:      time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (l *SimpleTokenBucket) SetClock(now func() time.Time) { l.now = now }

// Allow takes one token for key.
func (l *SimpleTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.state[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true, nil
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisFixedWindow counts requests per key in one-minute windows shared by every API replica.
type RedisFixedWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisFixedWindow allows perMinute requests per key per minute.
func NewRedisFixedWindow(client *redis.Client, perMinute int) *RedisFixedWindow {
	return &RedisFixedWindow{
		client: client,
		limit:  perMinute,
		window: time.Minute,
		prefix: "geoattend:ratelimit",
		now:    time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (l *RedisFixedWindow) SetClock(now func() time.Time) { l.now = now }

// Allow increments the counter of the current window.
func (l *RedisFixedWindow) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	k := l.prefix + ":" + key + ":" + strconv.FormatInt(slot, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}

// Limiter is gin middleware over a primary Allower with a fallback used when the
// primary errors.
type Limiter struct {
	primary  Allower
	fallback Allower
	log      zerolog.Logger
}

// NewLimiter builds a limiter. fallback may be nil, in which case errors let requests through.
func NewLimiter(primary, fallback Allower, log zerolog.Logger) *Limiter {
	return &Limiter{primary: primary, fallback: fallback, log: log}
}

// ByIP limits per client address.
func (l *Limiter) ByIP() gin.HandlerFunc {
	return l.middleware(func(c *gin.Context) string {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		return "ip:" + ip
	})
}

// ByUser limits per authenticated subject, falling back to the client address.
// Must run after auth.Middleware.
func (l *Limiter) ByUser() gin.HandlerFunc {
	return l.middleware(func(c *gin.Context) string {
		if claims, ok := auth.ClaimsFrom(c); ok {
			return "user:" + claims.Subject
		}
		return "ip:" + c.ClientIP()
	})
}

func (l *Limiter) middleware(key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		ok, err := l.primary.Allow(c.Request.Context(), k)
		if err != nil {
			l.log.Warn().Err(err).Msg("rate limiter unavailable, using fallback")
			ok = true
			if l.fallback != nil {
				ok, _ = l.fallback.Allow(c.Request.Context(), k)
			}
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": apperr.RateLimited, "message": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
