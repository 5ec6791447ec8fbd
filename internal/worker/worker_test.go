package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/worker"
	"github.com/noah-isme/gema-autograde/pkg/queue"
)

type chunkRecorder struct {
	chunks [][]uint
	since  []time.Time
	err    error
	panics bool
}

func (r *chunkRecorder) ExecuteChunk(_ context.Context, ids []uint, since time.Time) error {
	if r.panics {
		panic("chunk exploded")
	}
	r.chunks = append(r.chunks, ids)
	r.since = append(r.since, since)
	return r.err
}

type sweepRecorder struct{ calls int }

func (s *sweepRecorder) SweepStaleSessions(context.Context) (int, error) {
	s.calls++
	return 1, nil
}

type fixture struct {
	mr         *miniredis.Miniredis
	dispatcher service.Dispatcher
	broker     *queue.RedisBroker
	chunks     *chunkRecorder
	sweeps     *sweepRecorder
	worker     *worker.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broker, err := queue.NewRedisBroker(client, "autograde")
	require.NoError(t, err)
	consumer, err := broker.Consumer(context.Background(), service.QueueDefault)
	require.NoError(t, err)

	f := &fixture{
		mr:         mr,
		dispatcher: service.NewDispatcher(broker, zerolog.Nop()),
		broker:     broker,
		chunks:     &chunkRecorder{},
		sweeps:     &sweepRecorder{},
	}
	f.worker = worker.New(consumer, 10, zerolog.Nop())
	worker.RegisterCoreJobs(f.worker, f.chunks, f.sweeps)
	return f
}

func (f *fixture) length(t *testing.T, key string) int {
	t.Helper()
	if !f.mr.Exists(key) {
		return 0
	}
	items, err := f.mr.List(key)
	require.NoError(t, err)
	return len(items)
}

func TestWorkerExecutesCoreJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{1, 2, 3}))
	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{4}))
	require.NoError(t, f.dispatcher.EnqueueReapStaleSessions(ctx))

	processed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, processed)

	require.ElementsMatch(t, [][]uint{{1, 2, 3}, {4}}, f.chunks.chunks)
	for _, since := range f.chunks.since {
		require.False(t, since.IsZero())
	}
	require.Equal(t, 1, f.sweeps.calls)
	require.Zero(t, f.length(t, "autograde:queue:default"))
	require.Zero(t, f.length(t, "autograde:queue:default:processing"))
}

func TestWorkerDropsUnknownKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Enqueue(ctx, service.QueueDefault, "legacy_job", 7))

	processed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Empty(t, f.chunks.chunks)
	require.Zero(t, f.length(t, "autograde:queue:default:processing"))
}

func TestWorkerRequeuesOnBrokerFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chunks.err = fmt.Errorf("submission 1: %w", service.ErrEnqueueFailed)

	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{1}))

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.length(t, "autograde:queue:default"))
	require.Zero(t, f.length(t, "autograde:queue:default:processing"))
}

func TestWorkerAcksPermanentFailuresAndPanics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chunks.err = errors.New("submission 1: record vanished")

	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{1}))
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, f.length(t, "autograde:queue:default"))

	f.chunks.panics = true
	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{2}))
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, f.length(t, "autograde:queue:default"))
	require.Zero(t, f.length(t, "autograde:queue:default:processing"))
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.worker.Run(ctx))
}

func TestWorkerReclaimsJobsOfStoppedConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{5}))

	stopped, err := f.broker.Consumer(ctx, service.QueueDefault)
	require.NoError(t, err)
	orphaned, err := stopped.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, 1, f.length(t, "autograde:queue:default:processing"))

	f.worker.ReclaimAfter(time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	reclaimed, err := f.worker.Reclaim(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	processed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, [][]uint{{5}}, f.chunks.chunks)
	require.Zero(t, f.length(t, "autograde:queue:default:processing"))
}

func TestWorkerReclaimDisabledByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dispatcher.EnqueueBulkRegradeChunk(ctx, []uint{5}))

	stopped, err := f.broker.Consumer(ctx, service.QueueDefault)
	require.NoError(t, err)
	_, err = stopped.Fetch(ctx, 1)
	require.NoError(t, err)

	reclaimed, err := f.worker.Reclaim(ctx)
	require.NoError(t, err)
	require.Zero(t, reclaimed)
	require.Equal(t, 1, f.length(t, "autograde:queue:default:processing"))
}

// flakyPipeline fails the failAt-th pipeline publish and forwards everything else.
type flakyPipeline struct {
	next     queue.Publisher
	failAt   int
	pipeline int
}

func (p *flakyPipeline) Publish(ctx context.Context, job queue.Job) error {
	if job.Kind == service.JobPipelineRun {
		p.pipeline++
		if p.pipeline == p.failAt {
			return errors.New("broker unavailable")
		}
	}
	return p.next.Publish(ctx, job)
}

func TestWorkerRedeliveredChunkDispatchesEachSubmissionOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker, err := queue.NewRedisBroker(client, "autograde")
	require.NoError(t, err)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Assignment{},
		&models.AssignmentTest{},
		&models.AssignmentRepo{},
		&models.Submission{},
		&models.SubmissionBuild{},
		&models.SubmissionTestResult{},
	))

	ctx := context.Background()
	logger := zerolog.Nop()
	assignments := repository.NewAssignmentRepository(db)
	repos := repository.NewAssignmentRepoRepository(db)
	submissions := repository.NewSubmissionRepository(db)

	user := models.User{NetID: "jd1", Name: "jd1"}
	require.NoError(t, db.Create(&user).Error)
	assignment := models.Assignment{Name: "hw1", UniqueCode: "abc123", AutogradeEnabled: true}
	require.NoError(t, db.Create(&assignment).Error)

	var ids []uint
	for _, commit := range []string{"c1", "c2"} {
		binding, _, err := repos.Ensure(ctx, models.AssignmentRepo{
			AssignmentID: assignment.ID,
			RepoURL:      "https://github.com/os3224/repo-" + commit,
			OwnerID:      &user.ID,
		})
		require.NoError(t, err)
		submission := models.NewSubmission(commit, assignment.ID, binding.ID, &user.ID)
		require.NoError(t, submissions.Create(ctx, &submission))
		require.NoError(t, submissions.ApplyReport(ctx, submission.ID, "Tests complete", true))
		ids = append(ids, submission.ID)
	}

	publisher := &flakyPipeline{next: broker, failAt: 2}
	dispatcher := service.NewDispatcher(publisher, logger)
	lifecycle := service.NewSubmissionLifecycle(assignments, submissions, dispatcher, validator.New(validator.WithRequiredStructEnabled()), logger)
	regrades := service.NewRegradeService(assignments, submissions, lifecycle, dispatcher, 100, logger)

	consumer, err := broker.Consumer(ctx, service.QueueDefault)
	require.NoError(t, err)
	w := worker.New(consumer, 10, logger)
	worker.RegisterCoreJobs(w, regrades, &sweepRecorder{})

	require.NoError(t, dispatcher.EnqueueBulkRegradeChunk(ctx, ids))

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	requeued, err := mr.List("autograde:queue:default")
	require.NoError(t, err)
	require.Len(t, requeued, 1)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, mr.Exists("autograde:queue:default"))

	raw, err := mr.List("autograde:queue:pipeline")
	require.NoError(t, err)
	perSubmission := map[uint]int{}
	for _, entry := range raw {
		var job queue.Job
		require.NoError(t, json.Unmarshal([]byte(entry), &job))
		var id uint
		require.NoError(t, job.DecodeArgs(&id))
		perSubmission[id]++
	}
	require.Equal(t, map[uint]int{ids[0]: 1, ids[1]: 1}, perSubmission)
}
