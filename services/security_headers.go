package services

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// SecurityHeaders provides hardening response headers middleware
type SecurityHeaders struct {
	config *SecurityHeadersConfig
}

// SecurityHeadersConfig contains security header configuration
type SecurityHeadersConfig struct {
	CSPEnabled         bool
	CSPPolicy          string
	HSTSEnabled        bool
	HSTSMaxAge         int64
	HSTSIncludeSub     bool
	FrameOptions       string
	ContentTypeOptions bool
	ReferrerPolicy     string
}

// DefaultSecurityHeadersConfig returns defaults suitable for a JSON API.
func DefaultSecurityHeadersConfig() *SecurityHeadersConfig {
	return &SecurityHeadersConfig{
		CSPEnabled:         true,
		CSPPolicy:          "default-src 'none'; frame-ancestors 'none'",
		HSTSEnabled:        true,
		HSTSMaxAge:         31536000, // 1 year
		HSTSIncludeSub:     true,
		FrameOptions:       "DENY",
		ContentTypeOptions: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}
}

// NewSecurityHeaders creates a new security headers middleware
func NewSecurityHeaders(config *SecurityHeadersConfig) *SecurityHeaders {
	if config == nil {
		config = DefaultSecurityHeadersConfig()
	}
	return &SecurityHeaders{config: config}
}

// Middleware returns the security headers middleware
func (sh *SecurityHeaders) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if sh.config.CSPEnabled && sh.config.CSPPolicy != "" {
			c.Set("Content-Security-Policy", sh.config.CSPPolicy)
		}

		if sh.config.HSTSEnabled {
			hstsValue := fmt.Sprintf("max-age=%d", sh.config.HSTSMaxAge)
			if sh.config.HSTSIncludeSub {
				hstsValue += "; includeSubDomains"
			}
			c.Set("Strict-Transport-Security", hstsValue)
		}

		if sh.config.FrameOptions != "" {
			c.Set("X-Frame-Options", sh.config.FrameOptions)
		}

		if sh.config.ContentTypeOptions {
			c.Set("X-Content-Type-Options", "nosniff")
		}

		if sh.config.ReferrerPolicy != "" {
			c.Set("Referrer-Policy", sh.config.ReferrerPolicy)
		}

		c.Set("X-Permitted-Cross-Domain-Policies", "none")

		// Remove potentially revealing headers
		c.Set("Server", "")
		c.Set("X-Powered-By", "")

		return c.Next()
	}
}
