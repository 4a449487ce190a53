package middlewares

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"shopmetrics-backend/ratelimit"
)

// RateLimit counts requests per client IP against the shared limiter and
// exposes the window state via X-RateLimit headers. Exhausted windows
// surface as *ratelimit.RateLimitedError so the central error handler can
// answer 429 with Retry-After.
func RateLimit(limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		info, err := limiter.Allow(c.IP())
		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))
		if err != nil {
			return err
		}
		return c.Next()
	}
}
