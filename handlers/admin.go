package handlers

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/yourusername/rampart/middleware"
	"github.com/yourusername/rampart/services"
)

// AdminHandler is the out-of-band management surface: blacklist inspection
// and manual unblock, suspicion snapshots, per-component stats, and the
// recent security event buffer.
type AdminHandler struct {
	tracker *services.ReputationTracker
	limiter *services.RateLimiter
	tokens  *services.TokenStore
	events  *services.EventLog
}

func NewAdminHandler(tracker *services.ReputationTracker, limiter *services.RateLimiter, tokens *services.TokenStore, events *services.EventLog) *AdminHandler {
	return &AdminHandler{tracker: tracker, limiter: limiter, tokens: tokens, events: events}
}

// GetBlacklist returns the current blacklist set.
func (h *AdminHandler) GetBlacklist(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":   true,
		"blacklist": h.tracker.Blacklist(),
	})
}

// RemoveBlacklistEntry is the manual unblock path. The removal is persisted
// and leaves an audit record naming the operator.
func (h *AdminHandler) RemoveBlacklistEntry(c *fiber.Ctx) error {
	ip := c.Params("ip")
	if net.ParseIP(ip) == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid IP address",
		})
	}

	if err := h.tracker.Unblacklist(ip); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	h.events.LogAuditEvent("blacklist.remove", middleware.GetIdentity(c), services.ClientIP(c),
		map[string]interface{}{"removed_ip": ip})

	return c.JSON(fiber.Map{"success": true})
}

// GetSuspects returns the current suspicion records.
func (h *AdminHandler) GetSuspects(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":  true,
		"suspects": h.tracker.Suspects(),
	})
}

// GetStats returns per-component counters.
func (h *AdminHandler) GetStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success":    true,
		"reputation": h.tracker.GetStats(),
		"rate_limit": h.limiter.GetStats(),
		"tokens":     h.tokens.GetStats(),
		"events":     h.events.GetStats(),
	})
}

// GetSecurityEvents returns the most recent security events.
func (h *AdminHandler) GetSecurityEvents(c *fiber.Ctx) error {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"events":  h.events.RecentSecurityEvents(limit),
	})
}
