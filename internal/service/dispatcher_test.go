package service_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograde/internal/service"
)

func TestDispatcherRoutesJobsToRunnerQueues(t *testing.T) {
	publisher := newRecordingPublisher()
	dispatcher := service.NewDispatcher(publisher, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, dispatcher.EnqueuePipelineRun(ctx, 1))
	require.NoError(t, dispatcher.EnqueueSessionInitialize(ctx, 2))
	require.NoError(t, dispatcher.EnqueueSessionStop(ctx, 3))
	require.NoError(t, dispatcher.EnqueueReapStaleSessions(ctx))
	require.NoError(t, dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{4, 5}))

	expected := map[string]string{
		service.JobPipelineRun:       service.QueuePipeline,
		service.JobSessionInitialize: service.QueueTheia,
		service.JobSessionStop:       service.QueueTheia,
		service.JobReapStaleSessions: service.QueueDefault,
		service.JobBulkRegrade:       service.QueueDefault,
	}
	require.Len(t, publisher.jobs, len(expected))
	for _, job := range publisher.jobs {
		require.Equal(t, expected[job.Kind], job.Queue, job.Kind)
	}

	var chunk []uint
	require.NoError(t, publisher.byKind(service.JobBulkRegrade)[0].DecodeArgs(&chunk))
	require.Equal(t, []uint{4, 5}, chunk)
}

func TestDispatcherWrapsPublishFailure(t *testing.T) {
	publisher := newRecordingPublisher()
	publisher.failOn[service.JobPipelineRun] = true
	dispatcher := service.NewDispatcher(publisher, zerolog.Nop())

	err := dispatcher.EnqueuePipelineRun(context.Background(), 1)
	require.ErrorIs(t, err, service.ErrEnqueueFailed)
	require.ErrorIs(t, err, errBrokerDown)
}
