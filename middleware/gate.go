package middleware

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/yourusername/rampart/services"
)

const apiKeyHeader = "X-API-Key"

// Gate composes the per-request security decision sequence: blacklist check,
// method allow-list, signature scan, tier rate limit, parameter-pollution
// normalization, then CSRF. Every checkpoint either passes or rejects
// synchronously; no error escapes to the transport layer.
type Gate struct {
	tracker     *services.ReputationTracker
	matcher     *services.SignatureMatcher
	limiter     *services.RateLimiter
	csrf        *CSRFProtection
	events      *services.EventLog
	arrayFields map[string]bool
}

// NewGate creates a new request gate
func NewGate(
	tracker *services.ReputationTracker,
	matcher *services.SignatureMatcher,
	limiter *services.RateLimiter,
	csrf *CSRFProtection,
	events *services.EventLog,
	arrayFields []string,
) *Gate {
	allowed := make(map[string]bool, len(arrayFields))
	for _, f := range arrayFields {
		allowed[f] = true
	}
	return &Gate{
		tracker:     tracker,
		matcher:     matcher,
		limiter:     limiter,
		csrf:        csrf,
		events:      events,
		arrayFields: allowed,
	}
}

// Middleware returns the gate handler for one routing tier.
func (g *Gate) Middleware(tier services.Tier) fiber.Handler {
	csrfHandler := g.csrf.Middleware()

	return func(c *fiber.Ctx) error {
		ip := services.ClientIP(c)
		identity := GetIdentity(c)

		// 1. Blacklisted sources are rejected before anything else runs.
		if g.tracker.IsBlacklisted(ip) {
			g.events.LogSecurityEvent("warn", "blocked request from blacklisted IP", ip, map[string]interface{}{
				"path":   c.Path(),
				"method": c.Method(),
			})
			return reject(c, fiber.StatusForbidden, "Access denied")
		}

		// 2. Methods outside the allow-list are the one matcher-driven
		// hard reject.
		if !g.matcher.MethodAllowed(c.Method()) {
			g.tracker.RecordSuspicious(ip, identity)
			g.events.LogSecurityEvent("warn", "disallowed HTTP method", ip, map[string]interface{}{
				"path":   c.Path(),
				"method": c.Method(),
			})
			return reject(c, fiber.StatusMethodNotAllowed, "Method not allowed")
		}

		// 3. Signature hits classify and track, never block. Hard
		// rejection here would lock out legitimate traffic on false
		// positives.
		verdict := g.matcher.Scan(c.OriginalURL(), c.Get(fiber.HeaderUserAgent), string(c.Body()))
		if verdict.Suspicious {
			g.tracker.RecordSuspicious(ip, identity)
			g.events.LogSecurityEvent("warn", "suspicious request pattern", ip, map[string]interface{}{
				"category": verdict.Category,
				"path":     c.Path(),
				"method":   c.Method(),
				"identity": identity,
			})
		}
		if g.matcher.ExcessiveHeaders(headerCount(c)) {
			g.events.LogSecurityEvent("info", "anomalous header count", ip, map[string]interface{}{
				"count": headerCount(c),
				"path":  c.Path(),
			})
		}

		// 4. Tier rate limit.
		key := services.KeyForTier(tier, ip, c.Get(apiKeyHeader))
		if err := g.limiter.Check(c.Context(), tier, key); err != nil {
			var limited *services.RateLimitedError
			if errors.As(err, &limited) {
				retryAfter := int(limited.RetryAfter.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Set("Retry-After", strconv.Itoa(retryAfter))
				g.events.LogSecurityEvent("warn", "rate limit exceeded", ip, map[string]interface{}{
					"tier":        string(tier),
					"key":         key,
					"retry_after": retryAfter,
				})
				return reject(c, fiber.StatusTooManyRequests,
					"Too many requests, retry after "+strconv.Itoa(retryAfter)+" seconds")
			}
			return reject(c, fiber.StatusTooManyRequests, "Too many requests")
		}

		// 5. Parameter-pollution normalization. Data shaping only, never
		// a decision point.
		g.normalizeRequest(c)

		// Passing state-changing requests leave an audit trail before
		// dispatch.
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch, fiber.MethodDelete:
			g.events.LogAuditEvent(c.Method()+" "+c.Path(), identity, ip, nil)
		}

		// 6. CSRF: verify on state-changing methods, issue on GET, then
		// dispatch.
		return csrfHandler(c)
	}
}

func headerCount(c *fiber.Ctx) int {
	count := 0
	c.Request().Header.VisitAll(func(_, _ []byte) { count++ })
	return count
}

func reject(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}
