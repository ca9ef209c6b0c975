package app

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"

	"html2png/internal/auth"
	"html2png/internal/chrome"
	"html2png/internal/handlers"
	u "html2png/internal/utils"
)

// Deps are the collaborators the HTTP app is built from.
type Deps struct {
	Config u.Config
	Redis  *redis.Client
	// Tokens holds the accepted API keys; nil means no key is accepted yet.
	Tokens *auth.Cache
	// Engine launches browsers; nil means a chromedp engine from Config.Render.
	Engine chrome.Engine
	// Pool is optional; without it every render launches its own browser.
	Pool *chrome.Pool
	// RateLimitStore overrides the Redis/in-memory limiter storage.
	RateLimitStore fiber.Storage
}

// SetupApp creates and configures a new Fiber app instance
func SetupApp(deps Deps) *fiber.App {
	cfg := deps.Config
	if deps.Tokens == nil {
		deps.Tokens = auth.NewCache()
	}
	if deps.Engine == nil {
		deps.Engine = chrome.NewChromedpEngine(cfg.Render)
	}

	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit(cfg),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
				msg = e.Message
			}

			u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	RegisterMiddleware(app, deps)
	RegisterRoutes(app, deps)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app
}

// RegisterRoutes mounts all route handlers to the app
func RegisterRoutes(app *fiber.App, deps Deps) {
	v1 := app.Group("/v1")

	svc := handlers.NewImageService(deps.Config, deps.Redis, deps.Engine, deps.Pool)

	v1.Post("/image", svc.HandleRender)
	v1.Post("/encode", svc.HandleEncode)
	v1.Get("/chrome/stats", svc.HandleChromeStats)
	v1.Post("/chrome/restart", svc.HandleChromeRestart)

	v1.Get("/monitor", monitor.New())
}

// bodyLimit fits a JSON-escaped HTML document or a full multipart upload.
func bodyLimit(cfg u.Config) int {
	limit := fiber.DefaultBodyLimit
	limit = max(limit, 2*cfg.Limits.MaxHTMLBytes)
	limit = max(limit, cfg.Limits.MaxUploadBytes*max(cfg.Limits.MaxFiles, 1))
	return limit
}
