package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keygate/keygate/internal/identity"
)

const (
	issueRateLimitKeyPrefix = "rl:issue:"
	limiterIdleTTL          = 10 * time.Minute
)

// IssueRateLimit limits issuance requests per caller (X-TG-ID, falling back to
// the client IP). With Redis it uses a fixed one-minute INCR/EXPIRE window
// shared by all instances; without Redis each process keeps a token bucket per
// caller.
func IssueRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 5
	}
	if cache == nil {
		return localRateLimit(maxPerMin)
	}
	return func(c *fiber.Ctx) error {
		key := issueRateLimitKeyPrefix + rateLimitSubject(c)
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			if err := cache.Expire(c.UserContext(), key, time.Minute).Err(); err != nil {
				// a counter without a TTL would never reset
				cache.Del(c.UserContext(), key)
			}
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many key requests, try again later")
		}
		return c.Next()
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func localRateLimit(maxPerMin int) fiber.Handler {
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		swept   = time.Now()
	)
	every := rate.Every(time.Minute / time.Duration(maxPerMin))

	return func(c *fiber.Ctx) error {
		subject := rateLimitSubject(c)
		now := time.Now()

		mu.Lock()
		if now.Sub(swept) > limiterIdleTTL {
			for k, b := range buckets {
				if now.Sub(b.seen) > limiterIdleTTL {
					delete(buckets, k)
				}
			}
			swept = now
		}
		b, ok := buckets[subject]
		if !ok {
			b = &bucket{lim: rate.NewLimiter(every, maxPerMin)}
			buckets[subject] = b
		}
		b.seen = now
		allowed := b.lim.AllowN(now, 1)
		mu.Unlock()

		if !allowed {
			return fiber.NewError(http.StatusTooManyRequests, "too many key requests, try again later")
		}
		return c.Next()
	}
}

func rateLimitSubject(c *fiber.Ctx) string {
	if caller, ok := CallerFrom(c); ok {
		return caller.ID
	}
	if id, err := identity.Parse(c.Get(identity.Header)); err == nil {
		return id
	}
	return c.IP()
}
