package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/pkg/queue"
)

// Queue names shared with the external runners.
const (
	QueuePipeline = "pipeline"
	QueueTheia    = "theia"
	QueueDefault  = "default"
)

// Job kinds.
const (
	JobPipelineRun       = "pipeline_run"
	JobSessionInitialize = "session_initialize"
	JobSessionStop       = "session_stop"
	JobReapStaleSessions = "reap_stale_sessions"
	JobBulkRegrade       = "bulk_regrade"
)

// ErrEnqueueFailed wraps any failure to hand a job to the broker.
var ErrEnqueueFailed = errors.New("job enqueue failed")

// Dispatcher enqueues jobs for asynchronous execution. Delivery order is not guaranteed.
type Dispatcher interface {
	Enqueue(ctx context.Context, queueName, kind string, args ...any) error
	EnqueuePipelineRun(ctx context.Context, submissionID uint) error
	EnqueueSessionInitialize(ctx context.Context, sessionID uint) error
	EnqueueSessionStop(ctx context.Context, sessionID uint) error
	EnqueueReapStaleSessions(ctx context.Context) error
	EnqueueBulkRegradeChunk(ctx context.Context, submissionIDs []uint) error
}

type jobDispatcher struct {
	publisher queue.Publisher
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewDispatcher constructs a dispatcher publishing through the given broker.
func NewDispatcher(publisher queue.Publisher, logger zerolog.Logger) Dispatcher {
	return &jobDispatcher{
		publisher: publisher,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-autograde/internal/service/dispatcher"),
	}
}

func (d *jobDispatcher) Enqueue(ctx context.Context, queueName, kind string, args ...any) error {
	ctx, span := d.tracer.Start(ctx, "jobs.enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.queue", queueName), attribute.String("job.kind", kind))

	job, err := queue.NewJob(queueName, kind, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job encoding failed")
		observability.JobsEnqueued().WithLabelValues(queueName, kind, "error").Inc()
		return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	if err := d.publisher.Publish(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		observability.JobsEnqueued().WithLabelValues(queueName, kind, "error").Inc()
		d.logger.Error().Err(err).Str("queue", queueName).Str("kind", kind).Msg("failed to enqueue job")
		return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	span.SetAttributes(attribute.String("job.id", job.ID))
	observability.JobsEnqueued().WithLabelValues(queueName, kind, "ok").Inc()
	d.logger.Debug().Str("queue", queueName).Str("kind", kind).Str("job_id", job.ID).Msg("job enqueued")

	return nil
}

func (d *jobDispatcher) EnqueuePipelineRun(ctx context.Context, submissionID uint) error {
	return d.Enqueue(ctx, QueuePipeline, JobPipelineRun, submissionID)
}

func (d *jobDispatcher) EnqueueSessionInitialize(ctx context.Context, sessionID uint) error {
	return d.Enqueue(ctx, QueueTheia, JobSessionInitialize, sessionID)
}

func (d *jobDispatcher) EnqueueSessionStop(ctx context.Context, sessionID uint) error {
	return d.Enqueue(ctx, QueueTheia, JobSessionStop, sessionID)
}

func (d *jobDispatcher) EnqueueReapStaleSessions(ctx context.Context) error {
	return d.Enqueue(ctx, QueueDefault, JobReapStaleSessions)
}

func (d *jobDispatcher) EnqueueBulkRegradeChunk(ctx context.Context, submissionIDs []uint) error {
	return d.Enqueue(ctx, QueueDefault, JobBulkRegrade, submissionIDs)
}
