package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/handler"
	"github.com/noah-isme/gema-autograde/internal/middleware"
	"github.com/noah-isme/gema-autograde/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	WebhookHandler      *handler.WebhookHandler
	RegradeHandler      *handler.RegradeHandler
	AdminSessionHandler *handler.AdminSessionHandler
	PipelineHandler     *handler.PipelineHandler
	JWTMiddleware       fiber.Handler
	// WebhookLimiter throttles webhook deliveries; nil disables throttling.
	WebhookLimiter   fiber.Handler
	DependencyChecks []handler.DependencyCheck
	ExposeMetrics    bool
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	if deps.ExposeMetrics {
		app.Get("/metrics", observability.MetricsHandler())
	}

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.DependencyChecks...))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = passthrough
	}

	// Deliveries are authenticated by headers and organization, not by token.
	if deps.WebhookHandler != nil {
		limiter := deps.WebhookLimiter
		if limiter == nil {
			limiter = passthrough
		}
		deps.WebhookHandler.Register(api.Group("/public/webhook", limiter))
	}

	if deps.RegradeHandler != nil {
		student := api.Group("/public/submissions", jwtMiddleware, middleware.WithAuth(passthrough, middleware.AuthOptions{RequireUser: true}))
		deps.RegradeHandler.RegisterStudent(student)
	}

	admin := api.Group("/admin", jwtMiddleware, middleware.RequireRole("admin", "teacher"))
	if deps.RegradeHandler != nil {
		deps.RegradeHandler.RegisterAdmin(admin.Group("/regrade"))
	}
	if deps.AdminSessionHandler != nil {
		deps.AdminSessionHandler.Register(admin.Group("/ide"))
	}

	if deps.PipelineHandler != nil {
		pipeline := api.Group("/pipeline", jwtMiddleware, middleware.WithAuth(passthrough, middleware.AuthOptions{Role: middleware.AuthRolePipeline}))
		deps.PipelineHandler.Register(pipeline)
	}
}

func passthrough(c *fiber.Ctx) error {
	return c.Next()
}
