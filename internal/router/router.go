package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soltixdb/searchcoord/internal/config"
	"github.com/soltixdb/searchcoord/internal/events"
	"github.com/soltixdb/searchcoord/internal/handlers"
	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
	"github.com/soltixdb/searchcoord/internal/middleware"
	"github.com/soltixdb/searchcoord/internal/store"
	"github.com/soltixdb/searchcoord/internal/utils"
)

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, h *handlers.Handler, auth config.AuthConfig) {
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger, "/health", "/metrics"))

	// Probes and scrapes (no auth required)
	app.Get("/health", h.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// Operator routes
	admin := app.Group("/admin", middleware.APIKeyAuth(logger, "admin", auth.APIKeys, auth.Enabled))
	admin.Get("/nodes", h.ListNodes)
	admin.Get("/indices/:id", h.GetIndex)
	admin.Post("/rollout", h.TriggerRollout)

	// Search node routes
	nodeKeys := auth.NodeAPIKeys
	if len(nodeKeys) == 0 {
		nodeKeys = auth.APIKeys
	}
	internal := app.Group("/internal", middleware.APIKeyAuth(logger, "node", nodeKeys, auth.Enabled))
	internal.Post("/nodes/:uuid/tasks/claim", h.ClaimTasks)
	internal.Post("/tasks/:id/callback", h.TaskCallback)

	app.Use(h.NotFound)
}

// New creates a new Fiber app with configuration
func New(logger *logging.Logger, db *store.DB, publisher events.Publisher, cfg config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "searchcoord",
		DisableStartupMessage: true,
		ReadTimeout:           utils.DefaultRequestTimeout,
		WriteTimeout:          utils.DefaultRequestTimeout,
		IdleTimeout:           2 * time.Minute,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, handlers.New(logger, db, publisher, cfg.Indexing), cfg.Auth)
	return app
}
