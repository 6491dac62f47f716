package middleware

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/yourusername/rampart/services"
)

const (
	csrfCookieName = "csrf-token"
	csrfHeaderName = "X-CSRF-Token"
	csrfBodyField  = "csrf_token"
)

// CSRFProtection validates store-backed tokens on state-changing requests
// and issues fresh tokens on reads.
type CSRFProtection struct {
	tokens       *services.TokenStore
	events       *services.EventLog
	isProduction bool
	onIssue      func()
}

// NewCSRFProtection creates a new CSRF protection middleware
func NewCSRFProtection(tokens *services.TokenStore, events *services.EventLog, isProduction bool) *CSRFProtection {
	return &CSRFProtection{
		tokens:       tokens,
		events:       events,
		isProduction: isProduction,
	}
}

// SetIssueHook registers a callback invoked after each token issuance.
// Used to piggyback opportunistic housekeeping on the read path.
func (cp *CSRFProtection) SetIssueHook(fn func()) {
	cp.onIssue = fn
}

// Middleware returns the CSRF protection middleware. Read methods bypass
// verification entirely; GET additionally gets a fresh token attached.
func (cp *CSRFProtection) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet:
			if err := cp.IssueToken(c); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"success": false,
					"message": "Failed to generate CSRF token",
				})
			}
			return c.Next()
		case fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		return cp.verify(c)
	}
}

// requestToken extracts the presented token: header first, then cookie, then
// body field. The sources are not cross-checked; the first one present wins.
func requestToken(c *fiber.Ctx) string {
	if token := c.Get(csrfHeaderName); token != "" {
		return token
	}
	if token := c.Cookies(csrfCookieName); token != "" {
		return token
	}
	return c.FormValue(csrfBodyField)
}

func (cp *CSRFProtection) verify(c *fiber.Ctx) error {
	token := requestToken(c)
	identity := GetIdentity(c)

	err := cp.tokens.Verify(token, identity)
	if err == nil {
		return c.Next()
	}

	ip := services.ClientIP(c)
	reason := "invalid"
	message := "Invalid CSRF token"
	switch {
	case errors.Is(err, services.ErrTokenMissing):
		reason = "missing"
		message = "CSRF token required"
	case errors.Is(err, services.ErrTokenExpired):
		reason = "expired"
		message = "CSRF token expired"
	case errors.Is(err, services.ErrIdentityMismatch):
		reason = "identity_mismatch"
	}

	cp.events.LogSecurityEvent("warn", "CSRF validation failed", ip, map[string]interface{}{
		"reason":   reason,
		"path":     c.Path(),
		"method":   c.Method(),
		"identity": identity,
	})

	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

// IssueToken generates a fresh token bound to the request identity and
// attaches it as a client-readable cookie plus a response header for
// renderers. The cookie must stay script-readable: the caller echoes it back
// in the CSRF header.
func (cp *CSRFProtection) IssueToken(c *fiber.Ctx) error {
	identity := GetIdentity(c)
	token, err := cp.tokens.Issue(identity)
	if err != nil {
		return err
	}

	c.Cookie(&fiber.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Expires:  time.Now().Add(cp.tokens.TTL()),
		HTTPOnly: false,
		Secure:   cp.isProduction,
		SameSite: "Strict",
		Path:     "/",
	})
	c.Set(csrfHeaderName, token)

	if cp.onIssue != nil {
		cp.onIssue()
	}

	return nil
}
