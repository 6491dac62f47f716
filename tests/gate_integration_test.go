package tests

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/suite"
	"github.com/yourusername/rampart/middleware"
	"github.com/yourusername/rampart/services"
)

// GateIntegrationTestSuite wires the full enforcement stack the way main
// does and drives it through the Fiber test transport.
type GateIntegrationTestSuite struct {
	suite.Suite
	app     *fiber.App
	tracker *services.ReputationTracker
	tokens  *services.TokenStore
	events  *services.EventLog
	store   *services.FileBlacklistStore
	dataDir string
}

func (suite *GateIntegrationTestSuite) SetupTest() {
	suite.dataDir = suite.T().TempDir()

	suite.events = services.NewEventLog(services.EventLogConfig{
		Dir:             filepath.Join(suite.dataDir, "logs"),
		MirrorToConsole: false,
	})

	suite.store = services.NewFileBlacklistStore(filepath.Join(suite.dataDir, "blacklist.txt"))
	suite.tracker = services.NewReputationTracker(services.ReputationConfig{
		Threshold:       3,
		StalenessWindow: time.Hour,
	}, suite.store, suite.events)

	suite.tokens = services.NewTokenStore(services.TokenConfig{TTL: time.Minute})

	limiter := services.NewRateLimiter(services.RateLimitConfig{
		Tiers: map[services.Tier]services.TierLimit{
			services.TierStandard: {Window: time.Minute, Ceiling: 100},
			services.TierAuth:     {Window: time.Minute, Ceiling: 2},
		},
	}, services.NewMemoryCounterStore())

	csrf := middleware.NewCSRFProtection(suite.tokens, suite.events, false)
	gate := middleware.NewGate(suite.tracker, services.NewSignatureMatcher(), limiter, csrf, suite.events, nil)

	app := fiber.New()
	app.Use(middleware.Identity())

	standard := app.Group("/api/v1", gate.Middleware(services.TierStandard))
	standard.Get("/ping", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})

	auth := app.Group("/api/auth", gate.Middleware(services.TierAuth))
	auth.Post("/login", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})

	suite.app = app
}

func (suite *GateIntegrationTestSuite) TearDownTest() {
	suite.tracker.Stop()
	suite.tokens.Stop()
	suite.events.Close()
}

func (suite *GateIntegrationTestSuite) statusFor(method, path string, headers map[string]string) int {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := suite.app.Test(req)
	suite.Require().NoError(err)
	return resp.StatusCode
}

func (suite *GateIntegrationTestSuite) TestScannerTrafficEndsBlacklisted() {
	ip := "198.51.100.20"
	headers := map[string]string{"X-Forwarded-For": ip, "User-Agent": "sqlmap/1.7"}

	// Signature hits pass through while the suspicion count builds.
	for i := 0; i < 3; i++ {
		suite.Equal(fiber.StatusOK, suite.statusFor("GET", "/api/v1/ping", headers))
	}

	// Promotion happened on the 3rd hit; the source is now rejected outright.
	suite.Equal(fiber.StatusForbidden, suite.statusFor("GET", "/api/v1/ping", headers))

	// And the promotion survives a restart via the persisted set.
	suite.tracker.Stop()
	restored := services.NewReputationTracker(services.ReputationConfig{Threshold: 3}, suite.store, suite.events)
	defer restored.Stop()
	suite.True(restored.IsBlacklisted(ip))
}

func (suite *GateIntegrationTestSuite) TestAuthTierThrottlesLogin() {
	ip := "198.51.100.21"
	token := suite.freshToken(ip)
	headers := map[string]string{"X-Forwarded-For": ip, "X-CSRF-Token": token}

	suite.Equal(fiber.StatusOK, suite.statusFor("POST", "/api/auth/login", headers))
	suite.Equal(fiber.StatusOK, suite.statusFor("POST", "/api/auth/login", headers))
	suite.Equal(fiber.StatusTooManyRequests, suite.statusFor("POST", "/api/auth/login", headers))

	// The standard tier is untouched by the auth tier counter.
	suite.Equal(fiber.StatusOK, suite.statusFor("GET", "/api/v1/ping", map[string]string{"X-Forwarded-For": ip}))
}

func (suite *GateIntegrationTestSuite) TestReadPathHandsOutTokens() {
	req := httptest.NewRequest("GET", "/api/v1/ping", nil)
	resp, err := suite.app.Test(req)
	suite.Require().NoError(err)
	suite.Equal(fiber.StatusOK, resp.StatusCode)

	token := resp.Header.Get("X-CSRF-Token")
	suite.Len(token, 64)
	suite.NoError(suite.tokens.Verify(token, ""))
}

func (suite *GateIntegrationTestSuite) TestStateChangeWithoutTokenRejected() {
	suite.Equal(fiber.StatusForbidden, suite.statusFor("POST", "/api/auth/login", map[string]string{
		"X-Forwarded-For": "198.51.100.22",
	}))
}

func (suite *GateIntegrationTestSuite) freshToken(ip string) string {
	req := httptest.NewRequest("GET", "/api/v1/ping", nil)
	req.Header.Set("X-Forwarded-For", ip)
	resp, err := suite.app.Test(req)
	suite.Require().NoError(err)
	token := resp.Header.Get("X-CSRF-Token")
	suite.Require().NotEmpty(token)
	return token
}

func TestGateIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(GateIntegrationTestSuite))
}
