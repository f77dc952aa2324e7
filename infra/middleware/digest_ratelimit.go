package middleware

import (
	"strconv"
	"strings"

	"digest_server/config"
	"digest_server/pkg/apperr"
	"digest_server/pkg/metrics"
	"digest_server/pkg/ratelimit"
	"digest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// EmailCounter extracts how many emails a request carries; expensive
// endpoints register one so admission counts payload, not requests.
type EmailCounter func(c *fiber.Ctx) int

// BatchCeiling rejects oversized batches before admission runs, so a batch
// at ceiling+1 is InvalidInput with no side effect on the caller's budget
// counters. Registered ahead of Admission in the route chain.
func BatchCeiling(max int, countEmails EmailCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}
		if max > 0 && countEmails != nil && countEmails(c) > max {
			return apperr.InvalidInput("emails", "batch exceeds ceiling")
		}
		return c.Next()
	}
}

// Admission gates a route through the limiter. The identity is the
// authenticated principal when present, else the client IP (see ClientIP for
// the forwarded-hop rule). A rejected request reaches neither the model nor
// storage.
func Admission(limiter *ratelimit.Limiter, cfg *config.Config, counters *metrics.Counters, countEmails EmailCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		identity := UserID(c)
		if identity == "" {
			identity = "ip:" + ClientIP(c, cfg)
		}

		emails := 0
		if countEmails != nil {
			emails = countEmails(c)
		}

		d := limiter.Admit(identity, emails)
		if !d.Allowed {
			counters.Inc(metrics.CounterRateLimitBreaches)
			retry := int(d.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
			return response.ErrorWithDetails(c, fiber.StatusTooManyRequests,
				"RATE_LIMITED", "too many requests",
				map[string]any{"retry_after": retry, "limit": d.Limit})
		}
		return c.Next()
	}
}

// ClientIP resolves the caller address. Behind the known proxy, only the
// rightmost forwarded hop is trusted — the left entries are caller-supplied
// and trivially spoofable. Without a trusted proxy, the socket address wins.
func ClientIP(c *fiber.Ctx, cfg *config.Config) string {
	if !cfg.TrustedProxy {
		return c.IP()
	}
	fwd := c.Get(fiber.HeaderXForwardedFor)
	if fwd == "" {
		return c.IP()
	}
	parts := strings.Split(fwd, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}
