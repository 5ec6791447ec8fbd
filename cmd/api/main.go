package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/database"
	"github.com/noah-isme/gema-autograde/internal/handler"
	"github.com/noah-isme/gema-autograde/internal/middleware"
	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/internal/router"
	"github.com/noah-isme/gema-autograde/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireJWT(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.Debug, "api")

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to access database pool: %v", err)
	}

	broker, closeBroker, err := database.OpenQueue(context.Background(), database.QueueSettings{
		Driver:     cfg.QueueDriver,
		Prefix:     cfg.QueuePrefix,
		NATSURL:    cfg.NATSURL,
		RedisURL:   cfg.RedisURL,
		ClientName: cfg.AppName + " api",
	})
	if err != nil {
		log.Fatalf("failed to open job queue: %v", err)
	}
	defer closeBroker()

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	assignmentRepoRepo := repository.NewAssignmentRepoRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	sessionRepo := repository.NewTheiaSessionRepository(db)
	userRepo := repository.NewUserRepository(db)

	dispatcher := service.NewDispatcher(broker, logger)
	resolver := service.NewRepositoryResolver(assignmentRepo, userRepo, logger)
	lifecycle := service.NewSubmissionLifecycle(assignmentRepo, submissionRepo, dispatcher, validate, logger)
	webhookService := service.NewWebhookService(resolver, assignmentRepoRepo, submissionRepo, lifecycle, validate, service.WebhookSettings{
		Organization:  cfg.GithubOrg,
		DefaultBranch: cfg.GithubDefaultBranch,
		GracePeriod:   cfg.WebhookGracePeriod,
		Debug:         cfg.Debug,
	}, logger)
	regradeService := service.NewRegradeService(assignmentRepo, submissionRepo, lifecycle, dispatcher, cfg.RegradeChunkSize, logger)
	sessionService := service.NewSessionService(sessionRepo, dispatcher, validate, service.SessionDefaults{
		Image:   cfg.IDEAdminImage,
		RepoURL: cfg.IDEAdminRepoURL,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AccessLog: cfg.Debug})
	router.Register(app, cfg, router.Dependencies{
		WebhookHandler:      handler.NewWebhookHandler(webhookService, logger),
		RegradeHandler:      handler.NewRegradeHandler(regradeService, validate, logger),
		AdminSessionHandler: handler.NewAdminSessionHandler(sessionService, logger),
		PipelineHandler:     handler.NewPipelineHandler(lifecycle, logger),
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		WebhookLimiter:      middleware.RateLimit("webhook", cfg.WebhookRateLimit, cfg.WebhookRateLimitWindow),
		DependencyChecks:    []handler.DependencyCheck{{Name: "database", Check: sqlDB.PingContext}},
		ExposeMetrics:       true,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
