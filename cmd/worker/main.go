package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/database"
	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.Debug, "worker")
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
		ClientName: cfg.AppName + " worker",
	})
	if err != nil {
		log.Fatalf("failed to open job queue: %v", err)
	}
	defer closeBroker()

	consumer, err := broker.Consumer(ctx, cfg.WorkerQueue)
	if err != nil {
		log.Fatalf("failed to open queue %s: %v", cfg.WorkerQueue, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)

	dispatcher := service.NewDispatcher(broker, logger)
	lifecycle := service.NewSubmissionLifecycle(assignmentRepo, submissionRepo, dispatcher, validate, logger)
	regradeService := service.NewRegradeService(assignmentRepo, submissionRepo, lifecycle, dispatcher, cfg.RegradeChunkSize, logger)
	reaper := service.NewReaperService(service.ReaperDependencies{
		Assignments: assignmentRepo,
		Repos:       repository.NewAssignmentRepoRepository(db),
		Submissions: submissionRepo,
		Sessions:    repository.NewTheiaSessionRepository(db),
		Lifecycle:   lifecycle,
		Dispatcher:  dispatcher,
	}, service.ReaperSettings{SessionStaleAfter: cfg.SessionStaleAfter}, logger)

	w := worker.New(consumer, cfg.WorkerBatchSize, logger.With().Str("queue", cfg.WorkerQueue).Logger())
	w.ReclaimAfter(cfg.WorkerReclaimAfter)
	worker.RegisterCoreJobs(w, regradeService, reaper)

	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
}
