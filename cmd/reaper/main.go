package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/database"
	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/pkg/github"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.Debug, "reaper")
	observability.RegisterMetrics()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, closeBroker, err := database.OpenQueue(ctx, database.QueueSettings{
		Driver:     cfg.QueueDriver,
		Prefix:     cfg.QueuePrefix,
		NATSURL:    cfg.NATSURL,
		RedisURL:   cfg.RedisURL,
		ClientName: cfg.AppName + " reaper",
	})
	if err != nil {
		log.Fatalf("failed to open job queue: %v", err)
	}
	defer closeBroker()

	var lock *redis.Client
	if cfg.RedisURL != "" {
		lock, err = database.ConnectRedis(ctx, cfg.RedisURL, cfg.AppName+" reaper lock")
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer lock.Close()
	}

	var hosting service.HostingClient
	if cfg.GithubToken != "" {
		retries := cfg.GithubMaxRetries
		if retries == 0 {
			retries = github.NoRetries
		}
		client, err := github.NewClient(github.Config{
			Token:        cfg.GithubToken,
			Organization: cfg.GithubOrg,
			Endpoint:     cfg.GithubGraphQLURL,
			PageSize:     cfg.ReaperPageSize,
			MaxPages:     cfg.ReaperMaxPages,
			HistoryDepth: cfg.ReaperHistoryDepth,
			MaxRetries:   retries,
			Logger:       logger,
		})
		if err != nil {
			log.Fatalf("failed to create github client: %v", err)
		}
		hosting = client
	} else {
		logger.Warn().Msg("github token not configured, repository reconciliation disabled")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	dispatcher := service.NewDispatcher(broker, logger)
	lifecycle := service.NewSubmissionLifecycle(assignmentRepo, submissionRepo, dispatcher, validate, logger)

	reaper := service.NewReaperService(service.ReaperDependencies{
		Assignments: assignmentRepo,
		Repos:       repository.NewAssignmentRepoRepository(db),
		Submissions: submissionRepo,
		Sessions:    repository.NewTheiaSessionRepository(db),
		Resolver:    service.NewRepositoryResolver(assignmentRepo, repository.NewUserRepository(db), logger),
		Lifecycle:   lifecycle,
		Dispatcher:  dispatcher,
		Hosting:     hosting,
		Lock:        lock,
	}, service.ReaperSettings{
		SubmissionStaleAfter: cfg.SubmissionStaleAfter,
		SessionStaleAfter:    cfg.SessionStaleAfter,
		UnbuiltWindow:        cfg.ReaperUnbuiltWindow,
		LockTTL:              cfg.ReaperLockTTL,
	}, logger)

	if cfg.ReaperSchedule == "" {
		if err := runOnce(ctx, reaper, logger); err != nil {
			log.Fatalf("reaper run failed: %v", err)
		}
		return
	}

	scheduler := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	if _, err := scheduler.AddFunc(cfg.ReaperSchedule, func() {
		if err := runOnce(ctx, reaper, logger); err != nil {
			logger.Error().Err(err).Msg("reaper run failed")
		}
	}); err != nil {
		log.Fatalf("invalid reaper schedule %q: %v", cfg.ReaperSchedule, err)
	}

	logger.Info().Str("schedule", cfg.ReaperSchedule).Msg("reaper scheduled")
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	logger.Info().Msg("reaper stopped")
}

func runOnce(ctx context.Context, reaper service.ReaperService, logger zerolog.Logger) error {
	err := reaper.RunAll(ctx)
	if errors.Is(err, service.ErrReaperLocked) {
		logger.Info().Msg("reaper run skipped, another instance holds the lock")
		return nil
	}
	return err
}
