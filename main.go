package main

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/yourusername/rampart/db"
	"github.com/yourusername/rampart/handlers"
	"github.com/yourusername/rampart/middleware"
	"github.com/yourusername/rampart/models"
	"github.com/yourusername/rampart/services"
)

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"message": err.Error(),
	})
}

// newBlacklistStore picks Postgres when DATABASE_URL is set, the flat file
// otherwise.
func newBlacklistStore(config *services.Config) services.BlacklistStore {
	if os.Getenv("DATABASE_URL") == "" {
		return services.NewFileBlacklistStore(config.BlacklistPath)
	}

	if err := db.Connect(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	return models.NewBlacklistRepository(db.DB)
}

// newCounterStore picks the shared Redis store when REDIS_URL is set, the
// in-process store otherwise.
func newCounterStore(config *services.Config) services.CounterStore {
	if config.RedisURL == "" {
		store := services.NewMemoryCounterStore()
		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				store.SweepExpired(60 * time.Minute)
			}
		}()
		return store
	}

	store, err := services.NewRedisCounterStoreFromURL(config.RedisURL)
	if err != nil {
		log.Fatalf("Failed to configure redis counter store: %v", err)
	}
	return store
}

func main() {
	config, err := services.LoadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	events := services.NewEventLog(config.EventLog)
	defer events.Close()

	if os.Getenv("ARCHIVE_PROVIDER") != "" {
		archive, err := services.NewArchiveStorage("logs/archive")
		if err != nil {
			log.Fatalf("Failed to configure log archive: %v", err)
		}
		events.SetArchiveStorage(archive)
	}

	tracker := services.NewReputationTracker(config.Reputation, newBlacklistStore(config), events)
	defer tracker.Stop()
	defer db.Close()

	matcher := services.NewSignatureMatcher()
	limiter := services.NewRateLimiter(config.RateLimiting, newCounterStore(config))

	tokens := services.NewTokenStore(config.Tokens)
	defer tokens.Stop()

	csrf := middleware.NewCSRFProtection(tokens, events, config.Production)
	csrf.SetIssueHook(tracker.MaybeSweep)
	gate := middleware.NewGate(tracker, matcher, limiter, csrf, events, config.ArrayFields)

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	app.Use(logger.New())
	app.Use(compress.New())
	app.Use(cors.New())
	app.Use(services.NewSecurityHeaders(nil).Middleware())
	app.Use(middleware.Identity())

	// Tier mapping per route group. Each prefix carries exactly one gate so
	// a request is counted in a single tier.
	standard := app.Group("/api/v1", gate.Middleware(services.TierStandard))
	standard.Get("/ping", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true, "message": "pong"})
	})
	standard.Post("/echo", func(c *fiber.Ctx) error {
		return c.Send(c.Body())
	})

	auth := app.Group("/api/auth", gate.Middleware(services.TierAuth))
	auth.Post("/login", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"success": false,
			"message": "Authentication is handled upstream",
		})
	})

	sensitive := app.Group("/api/account", gate.Middleware(services.TierSensitive))
	sensitive.Delete("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})

	partner := app.Group("/api/partner", gate.Middleware(services.TierAPIKey))
	partner.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true})
	})

	adminHandler := handlers.NewAdminHandler(tracker, limiter, tokens, events)
	admin := app.Group("/admin", middleware.AdminAccess())
	admin.Get("/blacklist", adminHandler.GetBlacklist)
	admin.Delete("/blacklist/:ip", adminHandler.RemoveBlacklistEntry)
	admin.Get("/suspects", adminHandler.GetSuspects)
	admin.Get("/stats", adminHandler.GetStats)
	admin.Get("/events", adminHandler.GetSecurityEvents)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Server starting on port %s", port)
	log.Fatal(app.Listen(":" + port))
}
