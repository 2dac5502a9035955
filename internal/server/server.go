// Package server assembles the HTTP application.
package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/makeasinger/melodygen/internal/handler"
	"github.com/makeasinger/melodygen/internal/middleware"
	ws "github.com/makeasinger/melodygen/internal/websocket"
	"github.com/makeasinger/melodygen/pkg/response"
)

// Deps are the wired components the routes are bound to.
type Deps struct {
	Jobs        *handler.JobHandler
	Health      *handler.HealthHandler
	Auth        *handler.AuthHandler
	APIAuth     fiber.Handler
	RateLimiter *middleware.RateLimiter
	JobsPerHour int
	Hub         *ws.Hub

	// FilesDir is served under /files when artifacts are published locally.
	FilesDir string

	BodyLimit int
	LogLevel  string
	Quiet     bool
	AccessLog bool
}

// New builds the fiber app with every route registered.
func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		BodyLimit:             d.BodyLimit,
		DisableStartupMessage: d.Quiet,
	})

	// Global middleware
	app.Use(recover.New())
	if d.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: accessLogFormat(d.LogLevel),
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", d.Health.Check)
	app.Get("/auth/verify", d.Auth.Verify)

	if d.FilesDir != "" {
		app.Static("/files", d.FilesDir)
	}

	// API routes
	api := app.Group("/api", d.APIAuth)
	api.Post("/jobs", d.RateLimiter.JobsLimit(d.JobsPerHour), d.Jobs.Create)
	api.Get("/jobs", d.Jobs.List)
	api.Get("/jobs/:jobId", d.Jobs.Get)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", d.APIAuth, d.Jobs.Authorize, websocket.New(func(c *websocket.Conn) {
		d.Hub.HandleConnection(c, c.Params("jobId"))
	}))

	return app
}

func accessLogFormat(level string) string {
	if level == "debug" {
		return "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${error}\n"
	}
	return "[${time}] ${status} - ${latency} ${method} ${path}\n"
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
