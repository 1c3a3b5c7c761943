package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/handlers"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/middleware"
)

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, h *handlers.Handler, auth config.AuthConfig) {
	// Global middlewares
	app.Use(recover.New())
	app.Use(logging.FiberMiddleware(logger))

	// Probes (no auth required)
	app.Get("/health", h.Health)
	app.Get("/metrics", h.Metrics())

	// Peer protocol and operator endpoints share the API key
	d := app.Group("/distributed", middleware.APIKeyAuth(logger, auth.APIKeys, auth.Enabled))

	d.Post("/heartbeat", h.Heartbeat)
	d.Post("/sync", h.Sync)
	d.Post("/vote", h.Vote)
	d.Get("/info", h.Info)

	d.Get("/quorum", h.Quorum)
	d.Post("/propose-snapshot", h.ProposeSnapshot)
	d.Post("/propose-diff", h.ProposeDiff)
	d.Get("/proposals", h.Proposals)
	d.Get("/journal", h.Journal)

	d.Get("/leader", h.Leader)
	d.Get("/participants", h.Participants)
	d.Get("/drift", h.Drift)

	d.Get("/locks", h.Locks)
	d.Post("/locks/:resource", h.AcquireLock)
	d.Delete("/locks/:resource", h.ReleaseLock)

	// 404 handler
	app.Use(h.NotFound)
}

// New creates the Fiber app serving the coordination API
func New(logger *logging.Logger, h *handlers.Handler, cfg config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "sheetpub",
		DisableStartupMessage: true,
		UnescapePath:          true,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, h, cfg.Auth)

	return app
}
