package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
	"github.com/noah-isme/gema-autograde/pkg/github"
)

// Sweep names used in logs, spans and metrics.
const (
	SweepStaleSubmissions = "stale_submissions"
	SweepStaleSessions    = "stale_sessions"
	SweepRepositories     = "repositories"
	SweepUnbuilt          = "unbuilt"
)

// ErrReaperLocked is returned by RunAll when another process holds the reaper lock.
var ErrReaperLocked = errors.New("reaper run already in progress")

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// HostingClient lists the organization repositories with their recent default-branch commits.
type HostingClient interface {
	ListRepositories(ctx context.Context) ([]github.Repository, error)
}

// ReaperSettings configures the reconciliation sweeps.
type ReaperSettings struct {
	SubmissionStaleAfter time.Duration
	SessionStaleAfter    time.Duration
	// UnbuiltWindow enables the unbuilt sweep for assignments due within this window; zero disables it.
	UnbuiltWindow time.Duration
	LockKey       string
	LockTTL       time.Duration
}

// RepositorySweepReport counts the repairs made by one repository sweep.
type RepositorySweepReport struct {
	Repositories     int
	Skipped          int
	ReposCreated     int
	RepoOwners       int
	SubmissionOwners int
	Backfilled       int
	Retried          int
}

// ReaperService reconciles local state with the hosting provider and times out abandoned work.
type ReaperService interface {
	SweepStaleSubmissions(ctx context.Context) (int64, error)
	SweepStaleSessions(ctx context.Context) (int, error)
	SweepRepositories(ctx context.Context) (RepositorySweepReport, error)
	SweepUnbuilt(ctx context.Context) (int, error)
	RunAll(ctx context.Context) error
}

type reaperService struct {
	assignments repository.AssignmentRepository
	repos       repository.AssignmentRepoRepository
	submissions repository.SubmissionRepository
	sessions    repository.TheiaSessionRepository
	resolver    RepositoryResolver
	lifecycle   SubmissionLifecycle
	dispatcher  Dispatcher
	hosting     HostingClient
	lock        *redis.Client
	settings    ReaperSettings
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// ReaperDependencies groups the collaborators of the reaper.
type ReaperDependencies struct {
	Assignments repository.AssignmentRepository
	Repos       repository.AssignmentRepoRepository
	Submissions repository.SubmissionRepository
	Sessions    repository.TheiaSessionRepository
	Resolver    RepositoryResolver
	Lifecycle   SubmissionLifecycle
	Dispatcher  Dispatcher
	Hosting     HostingClient
	// Lock is optional; without it concurrent runs are not serialized.
	Lock *redis.Client
}

// NewReaperService constructs the reconciliation reaper.
func NewReaperService(deps ReaperDependencies, settings ReaperSettings, logger zerolog.Logger) ReaperService {
	if settings.SubmissionStaleAfter <= 0 {
		settings.SubmissionStaleAfter = 30 * time.Minute
	}
	if settings.SessionStaleAfter <= 0 {
		settings.SessionStaleAfter = 3 * time.Hour
	}
	if settings.LockKey == "" {
		settings.LockKey = "autograde:reaper:lock"
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = 10 * time.Minute
	}

	return &reaperService{
		assignments: deps.Assignments,
		repos:       deps.Repos,
		submissions: deps.Submissions,
		sessions:    deps.Sessions,
		resolver:    deps.Resolver,
		lifecycle:   deps.Lifecycle,
		dispatcher:  deps.Dispatcher,
		hosting:     deps.Hosting,
		lock:        deps.Lock,
		settings:    settings,
		logger:      logger.With().Str("component", "reaper_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-autograde/internal/service/reaper"),
		now:         time.Now,
	}
}

// SweepStaleSubmissions marks unprocessed submissions untouched for too long as reaped.
// Regrading submissions are exempt and nothing is re-dispatched.
func (s *reaperService) SweepStaleSubmissions(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "reaper."+SweepStaleSubmissions)
	defer span.End()

	cutoff := s.now().Add(-s.settings.SubmissionStaleAfter)
	reaped, err := s.submissions.ReapStale(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reap failed")
		return 0, err
	}

	span.SetAttributes(attribute.Int64("reaper.reaped", reaped))
	observability.ReaperRepaired().WithLabelValues(SweepStaleSubmissions, "reaped").Add(float64(reaped))
	if reaped > 0 {
		s.logger.Info().Int64("count", reaped).Time("cutoff", cutoff).Msg("reaped stale submissions")
	}

	return reaped, nil
}

// SweepStaleSessions enqueues one stop job per active session without recent proxy traffic.
func (s *reaperService) SweepStaleSessions(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "reaper."+SweepStaleSessions)
	defer span.End()

	stale, err := s.sessions.ListStale(ctx, s.now().Add(-s.settings.SessionStaleAfter))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list stale sessions failed")
		return 0, err
	}

	var errs []error
	stopped := 0
	for _, session := range stale {
		if err := s.dispatcher.EnqueueSessionStop(ctx, session.ID); err != nil {
			errs = append(errs, fmt.Errorf("session %d: %w", session.ID, err))
			continue
		}
		stopped++
	}

	span.SetAttributes(attribute.Int("reaper.sessions_stopped", stopped))
	observability.ReaperRepaired().WithLabelValues(SweepStaleSessions, "stop_enqueued").Add(float64(stopped))
	if stopped > 0 {
		s.logger.Info().Int("count", stopped).Msg("stop requested for stale sessions")
	}

	return stopped, errors.Join(errs...)
}

// SweepRepositories repairs repositories and submissions the webhook path missed. An upstream
// failure aborts the sweep before anything local is changed.
func (s *reaperService) SweepRepositories(ctx context.Context) (RepositorySweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "reaper."+SweepRepositories)
	defer span.End()

	var report RepositorySweepReport
	if s.hosting == nil {
		s.logger.Warn().Msg("hosting client not configured, repository sweep skipped")
		return report, nil
	}

	upstream, err := s.hosting.ListRepositories(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unavailable")
		s.logger.Error().Err(err).Msg("listing organization repositories failed, repository sweep aborted")
		return report, err
	}

	cache := NewAssignmentCache()
	var errs []error
	for _, repo := range upstream {
		report.Repositories++
		if err := s.reconcileRepository(ctx, repo, cache, &report); err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", repo.Name, err))
		}
	}

	observability.ReaperRepaired().WithLabelValues(SweepRepositories, "repo_created").Add(float64(report.ReposCreated))
	observability.ReaperRepaired().WithLabelValues(SweepRepositories, "repo_owner").Add(float64(report.RepoOwners))
	observability.ReaperRepaired().WithLabelValues(SweepRepositories, "submission_owner").Add(float64(report.SubmissionOwners))
	observability.ReaperRepaired().WithLabelValues(SweepRepositories, "backfill").Add(float64(report.Backfilled))
	observability.ReaperRepaired().WithLabelValues(SweepRepositories, "dispatch_retry").Add(float64(report.Retried))

	span.SetAttributes(
		attribute.Int("reaper.repositories", report.Repositories),
		attribute.Int("reaper.backfilled", report.Backfilled),
		attribute.Int("reaper.retried", report.Retried),
	)
	s.logger.Info().
		Int("repositories", report.Repositories).
		Int("skipped", report.Skipped).
		Int("repos_created", report.ReposCreated).
		Int("repo_owners", report.RepoOwners).
		Int("submission_owners", report.SubmissionOwners).
		Int("backfilled", report.Backfilled).
		Msg("repository sweep finished")

	return report, errors.Join(errs...)
}

func (s *reaperService) reconcileRepository(ctx context.Context, repo github.Repository, cache *AssignmentCache, report *RepositorySweepReport) error {
	resolution, err := s.resolver.ResolveWithCache(ctx, repo.Name, cache)
	if err != nil {
		if errors.Is(err, ErrAssignmentNotFound) {
			report.Skipped++
			s.logger.Debug().Str("repo", repo.Name).Msg("no assignment for repository")
			return nil
		}
		return err
	}

	binding, created, err := s.repos.Ensure(ctx, models.AssignmentRepo{
		AssignmentID:   resolution.Assignment.ID,
		RepoURL:        repo.URL,
		GithubUsername: resolution.Username,
		OwnerID:        resolution.OwnerID(),
	})
	if err != nil {
		return err
	}
	if created {
		report.ReposCreated++
	}

	if resolution.User == nil {
		report.Skipped++
		return nil
	}
	ownerID := resolution.User.ID

	if binding.OwnerID == nil || *binding.OwnerID != ownerID {
		if err := s.repos.UpdateOwner(ctx, binding.ID, &ownerID); err != nil {
			return err
		}
		report.RepoOwners++
		s.logger.Info().Uint("assignment_repo_id", binding.ID).Uint("owner_id", ownerID).Msg("fixed repository owner")
	}

	submissions, err := s.submissions.ListByRepo(ctx, binding.ID)
	if err != nil {
		return err
	}

	var errs []error
	for _, submission := range submissions {
		if submission.OwnerID != nil && *submission.OwnerID == ownerID {
			continue
		}
		if err := s.submissions.UpdateOwner(ctx, submission.ID, &ownerID); err != nil {
			errs = append(errs, err)
			continue
		}
		submission.OwnerID = &ownerID
		if err := s.redispatch(ctx, submission); err != nil {
			errs = append(errs, err)
			continue
		}
		report.SubmissionOwners++
		s.logger.Info().Uint("submission_id", submission.ID).Uint("owner_id", ownerID).Msg("fixed submission owner")
	}

	retried, err := s.retryFailedDispatches(ctx, repo)
	report.Retried += retried
	if err != nil {
		errs = append(errs, err)
	}

	backfilled, err := s.backfill(ctx, repo, resolution, binding, ownerID)
	report.Backfilled += backfilled
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// backfill creates submissions for upstream commits the webhook never delivered, newest first.
func (s *reaperService) backfill(ctx context.Context, repo github.Repository, resolution Resolution, binding models.AssignmentRepo, ownerID uint) (int, error) {
	if len(repo.Commits) == 0 {
		return 0, nil
	}

	existing, err := s.submissions.ExistingCommits(ctx, repo.Commits)
	if err != nil {
		return 0, err
	}

	var errs []error
	created := 0
	for _, commit := range repo.Commits {
		if _, ok := existing[commit]; ok {
			continue
		}

		owner := ownerID
		submission := models.NewSubmission(commit, resolution.Assignment.ID, binding.ID, &owner)
		if err := s.submissions.Create(ctx, &submission); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			errs = append(errs, fmt.Errorf("commit %s: %w", commit, err))
			continue
		}

		if err := s.redispatch(ctx, submission); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", commit, err))
			continue
		}

		created++
		s.logger.Info().Str("repo", repo.Name).Str("commit", commit).Str("username", resolution.Username).Msg("backfilled missing submission")
	}

	return created, errors.Join(errs...)
}

// retryFailedDispatches re-dispatches the repository's upstream commits whose pipeline enqueue
// failed on an earlier attempt. Each failure is claimed before it is retried.
func (s *reaperService) retryFailedDispatches(ctx context.Context, repo github.Repository) (int, error) {
	failed, err := s.submissions.ListDispatchFailed(ctx, repo.Commits)
	if err != nil {
		return 0, err
	}

	var errs []error
	retried := 0
	for _, submission := range failed {
		claimed, err := s.submissions.ClaimDispatchRetry(ctx, submission.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", submission.Commit, err))
			continue
		}
		if !claimed {
			continue
		}

		if err := s.redispatch(ctx, submission); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", submission.Commit, err))
			continue
		}

		retried++
		s.logger.Info().Str("repo", repo.Name).Str("commit", submission.Commit).Uint("submission_id", submission.ID).Msg("retried failed pipeline dispatch")
	}

	return retried, errors.Join(errs...)
}

// SweepUnbuilt re-initializes and dispatches owned submissions of recently due assignments
// that never received a build placeholder.
func (s *reaperService) SweepUnbuilt(ctx context.Context) (int, error) {
	if s.settings.UnbuiltWindow <= 0 {
		return 0, nil
	}

	ctx, span := s.tracer.Start(ctx, "reaper."+SweepUnbuilt)
	defer span.End()

	assignments, err := s.assignments.ListAutogradeDueAfter(ctx, s.now().Add(-s.settings.UnbuiltWindow))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list assignments failed")
		return 0, err
	}

	var errs []error
	repaired := 0
	for _, assignment := range assignments {
		submissions, err := s.submissions.ListUnbuilt(ctx, assignment.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("assignment %s: %w", assignment.Name, err))
			continue
		}

		for _, submission := range submissions {
			if err := s.redispatch(ctx, submission); err != nil {
				errs = append(errs, fmt.Errorf("submission %d: %w", submission.ID, err))
				continue
			}
			repaired++
		}
	}

	observability.ReaperRepaired().WithLabelValues(SweepUnbuilt, "dispatched").Add(float64(repaired))
	if repaired > 0 {
		s.logger.Info().Int("count", repaired).Msg("dispatched unbuilt submissions")
	}

	return repaired, errors.Join(errs...)
}

// RunAll runs every sweep once. A failing or panicking sweep is logged and does not stop the
// others; an unreachable hosting provider is not reported as a failure. With a lock client
// configured, overlapping runs return ErrReaperLocked.
func (s *reaperService) RunAll(ctx context.Context) error {
	release, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	sweeps := []struct {
		name string
		run  func(context.Context) error
	}{
		{SweepStaleSubmissions, func(ctx context.Context) error { _, err := s.SweepStaleSubmissions(ctx); return err }},
		{SweepStaleSessions, func(ctx context.Context) error { _, err := s.SweepStaleSessions(ctx); return err }},
		{SweepRepositories, func(ctx context.Context) error { _, err := s.SweepRepositories(ctx); return err }},
		{SweepUnbuilt, func(ctx context.Context) error { _, err := s.SweepUnbuilt(ctx); return err }},
	}

	var errs []error
	for _, sweep := range sweeps {
		if err := s.runSweep(ctx, sweep.name, sweep.run); err != nil {
			errs = append(errs, fmt.Errorf("%s sweep: %w", sweep.name, err))
		}
	}

	return errors.Join(errs...)
}

func (s *reaperService) runSweep(ctx context.Context, name string, run func(context.Context) error) (err error) {
	start := s.now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}

		result := "ok"
		switch {
		case errors.Is(err, github.ErrUpstreamUnavailable):
			result = "aborted"
			err = nil
		case err != nil:
			result = "error"
			s.logger.Error().Err(err).Str("sweep", name).Msg("sweep failed")
		}
		observability.ReaperSweeps().WithLabelValues(name, result).Inc()
		s.logger.Debug().Str("sweep", name).Dur("duration", time.Since(start)).Msg("sweep finished")
	}()

	return run(ctx)
}

func (s *reaperService) acquireLock(ctx context.Context) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}

	owner := uuid.NewString()
	acquired, err := s.lock.SetNX(ctx, s.settings.LockKey, owner, s.settings.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire reaper lock: %w", err)
	}
	if !acquired {
		s.logger.Info().Str("key", s.settings.LockKey).Msg("another reaper run holds the lock, skipping")
		return nil, ErrReaperLocked
	}

	return func() {
		if err := releaseLockScript.Run(context.WithoutCancel(ctx), s.lock, []string{s.settings.LockKey}, owner).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release reaper lock")
		}
	}, nil
}

// redispatch resets and dispatches a submission, keeping the regrading marker of a regrade.
func (s *reaperService) redispatch(ctx context.Context, submission models.Submission) error {
	mode := InitReset
	if submission.IsProtected() {
		mode = InitRegrade
	}

	if err := s.lifecycle.InitSubmissionModels(ctx, submission, mode); err != nil {
		return err
	}

	return s.lifecycle.Dispatch(ctx, submission)
}
