// Package worker executes the jobs the grading core publishes to itself on the
// default queue. Pipeline and session jobs belong to the external runners.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/pkg/queue"
)

// HandlerFunc runs one job.
type HandlerFunc func(ctx context.Context, job queue.Job) error

// ChunkExecutor regrades one chunk of submissions.
type ChunkExecutor interface {
	ExecuteChunk(ctx context.Context, submissionIDs []uint, since time.Time) error
}

// SessionSweeper requests teardown of idle sessions.
type SessionSweeper interface {
	SweepStaleSessions(ctx context.Context) (int, error)
}

// Worker pulls batches from one queue and dispatches them by job kind.
type Worker struct {
	consumer     queue.Consumer
	handlers     map[string]HandlerFunc
	batchSize    int
	retryWait    time.Duration
	reclaimAfter time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// New constructs a worker reading from consumer.
func New(consumer queue.Consumer, batchSize int, logger zerolog.Logger) *Worker {
	if batchSize <= 0 {
		batchSize = 10
	}

	return &Worker{
		consumer:  consumer,
		handlers:  make(map[string]HandlerFunc),
		batchSize: batchSize,
		retryWait: 2 * time.Second,
		logger:    logger.With().Str("component", "worker").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-autograde/internal/worker"),
	}
}

// ReclaimAfter sets how long a fetched job may stay unacknowledged before Run returns it to
// the queue. It must exceed the longest job. Zero disables reclaiming.
func (w *Worker) ReclaimAfter(after time.Duration) {
	w.reclaimAfter = after
}

// Reclaim returns jobs left unacknowledged by a stopped worker. Consumers without lease
// tracking report zero.
func (w *Worker) Reclaim(ctx context.Context) (int, error) {
	reclaimer, ok := w.consumer.(queue.Reclaimer)
	if !ok || w.reclaimAfter <= 0 {
		return 0, nil
	}

	reclaimed, err := reclaimer.Reclaim(ctx, w.reclaimAfter)
	if reclaimed > 0 {
		observability.WorkerJobs().WithLabelValues("any", "reclaimed").Add(float64(reclaimed))
		w.logger.Warn().Int("count", reclaimed).Dur("older_than", w.reclaimAfter).Msg("returned unacknowledged jobs to queue")
	}
	return reclaimed, err
}

// Handle registers fn for jobs of the given kind.
func (w *Worker) Handle(kind string, fn HandlerFunc) {
	w.handlers[kind] = fn
}

// RegisterCoreJobs binds the kinds this core owns.
func RegisterCoreJobs(w *Worker, chunks ChunkExecutor, sessions SessionSweeper) {
	w.Handle(service.JobBulkRegrade, func(ctx context.Context, job queue.Job) error {
		var ids []uint
		if err := job.DecodeArgs(&ids); err != nil {
			return err
		}
		return chunks.ExecuteChunk(ctx, ids, job.EnqueuedAt)
	})
	w.Handle(service.JobReapStaleSessions, func(ctx context.Context, _ queue.Job) error {
		_, err := sessions.SweepStaleSessions(ctx)
		return err
	})
}

// Run processes batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("batch_size", w.batchSize).Dur("reclaim_after", w.reclaimAfter).Msg("worker started")
	var lastReclaim time.Time
	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("worker stopped")
			return nil
		}

		if w.reclaimAfter > 0 && time.Since(lastReclaim) >= w.reclaimAfter {
			lastReclaim = time.Now()
			if _, err := w.Reclaim(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("reclaim failed")
			}
		}

		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.retryWait):
			}
		}
	}
}

// RunOnce fetches and processes a single batch, returning how many jobs were handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	deliveries, err := w.consumer.Fetch(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	for _, delivery := range deliveries {
		w.process(ctx, delivery)
	}

	return len(deliveries), nil
}

// process acks every job except those that failed on a transient broker error, which are
// returned to the queue.
func (w *Worker) process(ctx context.Context, delivery queue.Delivery) {
	job := delivery.Job()
	logger := w.logger.With().Str("job_id", job.ID).Str("kind", job.Kind).Logger()

	handler, ok := w.handlers[job.Kind]
	if !ok {
		logger.Warn().Str("queue", job.Queue).Msg("no handler for job kind, dropping")
		observability.WorkerJobs().WithLabelValues(job.Kind, "unknown").Inc()
		if err := delivery.Ack(); err != nil {
			logger.Error().Err(err).Msg("ack failed")
		}
		return
	}

	ctx, span := w.tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("job.kind", job.Kind),
		attribute.String("job.id", job.ID),
	))
	defer span.End()

	start := time.Now()
	err := safeRun(ctx, handler, job)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "done")
		observability.WorkerJobs().WithLabelValues(job.Kind, "ok").Inc()
		logger.Info().Dur("duration", time.Since(start)).Msg("job finished")
		if ackErr := delivery.Ack(); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
	case errors.Is(err, service.ErrEnqueueFailed):
		span.RecordError(err)
		span.SetStatus(codes.Error, "requeued")
		observability.WorkerJobs().WithLabelValues(job.Kind, "requeued").Inc()
		logger.Warn().Err(err).Msg("job hit broker failure, returning to queue")
		if nakErr := delivery.Nak(); nakErr != nil {
			logger.Error().Err(nakErr).Msg("nak failed")
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed")
		observability.WorkerJobs().WithLabelValues(job.Kind, "failed").Inc()
		logger.Error().Err(err).Msg("job failed")
		if ackErr := delivery.Ack(); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}
	}
}

func safeRun(ctx context.Context, handler HandlerFunc, job queue.Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return handler(ctx, job)
}
