package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/observability"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

// Webhook outcomes reported to callers.
const (
	OutcomeAccepted      = "accepted"
	OutcomeDuplicate     = "duplicate"
	OutcomeRedispatched  = "redispatched"
	OutcomeRepoCreated   = "repo_created"
	OutcomeIgnoredBranch = "ignored_branch"
	OutcomeDangling      = "dangling"
)

const zeroCommit = "0000000000000000000000000000000000000000"

var (
	// ErrMalformedWebhook is returned for unexpected headers or an invalid payload.
	ErrMalformedWebhook = errors.New("malformed webhook")
	// ErrOrganizationMismatch is returned when the pushed repository lives outside the configured organization.
	ErrOrganizationMismatch = errors.New("repository does not belong to the configured organization")
)

// WebhookSettings configures the ingestion gateway.
type WebhookSettings struct {
	Organization  string
	DefaultBranch string
	GracePeriod   time.Duration
	Debug         bool
}

// WebhookService turns push events into submissions and pipeline jobs.
type WebhookService interface {
	HandlePush(ctx context.Context, delivery dto.WebhookContext, event dto.PushEvent) (dto.WebhookResponse, error)
}

type webhookService struct {
	resolver    RepositoryResolver
	repos       repository.AssignmentRepoRepository
	submissions repository.SubmissionRepository
	lifecycle   SubmissionLifecycle
	validator   *validator.Validate
	settings    WebhookSettings
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewWebhookService constructs the ingestion gateway.
func NewWebhookService(
	resolver RepositoryResolver,
	repos repository.AssignmentRepoRepository,
	submissions repository.SubmissionRepository,
	lifecycle SubmissionLifecycle,
	validate *validator.Validate,
	settings WebhookSettings,
	logger zerolog.Logger,
) WebhookService {
	if settings.GracePeriod <= 0 {
		settings.GracePeriod = 3 * time.Minute
	}
	settings.DefaultBranch = strings.TrimPrefix(settings.DefaultBranch, "refs/heads/")
	if settings.DefaultBranch == "" {
		settings.DefaultBranch = "master"
	}

	return &webhookService{
		resolver:    resolver,
		repos:       repos,
		submissions: submissions,
		lifecycle:   lifecycle,
		validator:   validate,
		settings:    settings,
		logger:      logger.With().Str("component", "webhook_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-autograde/internal/service/webhook"),
		now:         time.Now,
	}
}

func (s *webhookService) HandlePush(ctx context.Context, delivery dto.WebhookContext, event dto.PushEvent) (dto.WebhookResponse, error) {
	ctx, span := s.tracer.Start(ctx, "webhook.push")
	defer span.End()

	response, err := s.handlePush(ctx, span, delivery, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.WebhookEvents().WithLabelValues(errorOutcome(err)).Inc()
		return response, err
	}

	span.SetAttributes(attribute.String("webhook.outcome", response.Outcome))
	span.SetStatus(codes.Ok, response.Outcome)
	observability.WebhookEvents().WithLabelValues(response.Outcome).Inc()

	return response, nil
}

func (s *webhookService) handlePush(ctx context.Context, span trace.Span, delivery dto.WebhookContext, event dto.PushEvent) (dto.WebhookResponse, error) {
	if delivery.ContentType != "application/json" || delivery.EventType != "push" {
		return dto.WebhookResponse{}, fmt.Errorf("%w: unexpected content type %q or event %q", ErrMalformedWebhook, delivery.ContentType, delivery.EventType)
	}

	if err := s.validator.Struct(event); err != nil {
		return dto.WebhookResponse{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	repoName := event.Repository.Name
	span.SetAttributes(attribute.String("webhook.repo", repoName), attribute.String("webhook.commit", event.After))

	resolution, err := s.resolver.Resolve(ctx, repoName)
	if err != nil {
		if errors.Is(err, ErrAssignmentNotFound) {
			s.logger.Warn().
				Str("repo", repoName).
				Str("full_name", event.Repository.FullName).
				Str("pusher", event.Pusher.Name).
				Str("delivery_id", delivery.DeliveryID).
				Msg("no assignment matches repository")
		}
		return dto.WebhookResponse{}, err
	}

	if !s.settings.Debug && !s.ownedByOrganization(event.Repository.FullName) {
		s.logger.Warn().
			Str("repo", repoName).
			Str("full_name", event.Repository.FullName).
			Str("organization", s.settings.Organization).
			Msg("push from foreign organization rejected")
		return dto.WebhookResponse{}, ErrOrganizationMismatch
	}

	binding, _, err := s.repos.Ensure(ctx, models.AssignmentRepo{
		AssignmentID:   resolution.Assignment.ID,
		RepoURL:        event.Repository.URL,
		GithubUsername: resolution.Username,
		OwnerID:        resolution.OwnerID(),
	})
	if err != nil {
		return dto.WebhookResponse{}, err
	}

	response := dto.WebhookResponse{Commit: event.After, AssignmentRepoID: uintRef(binding.ID)}

	if isZeroCommit(event.Before) {
		response.Outcome = OutcomeRepoCreated
		s.logger.Info().Str("repo", repoName).Uint("assignment_repo_id", binding.ID).Msg("repository created")
		return response, nil
	}

	if event.Ref != s.defaultRef(event) {
		response.Outcome = OutcomeIgnoredBranch
		s.logger.Info().Str("repo", repoName).Str("ref", event.Ref).Msg("push to non-default branch ignored")
		return response, nil
	}

	existing, err := s.submissions.GetByCommit(ctx, event.After)
	switch {
	case err == nil:
		return s.handleExisting(ctx, existing, response)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.WebhookResponse{}, err
	}

	submission := models.NewSubmission(event.After, resolution.Assignment.ID, binding.ID, resolution.OwnerID())
	if err := s.submissions.Create(ctx, &submission); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			stored, getErr := s.submissions.GetByCommit(ctx, event.After)
			if getErr != nil {
				return dto.WebhookResponse{}, getErr
			}
			response.Outcome = OutcomeDuplicate
			response.SubmissionID = uintRef(stored.ID)
			return response, nil
		}
		return dto.WebhookResponse{}, err
	}
	response.SubmissionID = uintRef(submission.ID)

	if err := s.lifecycle.InitSubmissionModels(ctx, submission, InitReset); err != nil {
		return dto.WebhookResponse{}, err
	}

	if submission.IsDangling() {
		response.Outcome = OutcomeDangling
		s.logDangling(submission, resolution)
		return response, nil
	}

	if err := s.lifecycle.Dispatch(ctx, submission); err != nil {
		return response, err
	}

	response.Outcome = OutcomeAccepted
	s.logger.Info().Str("commit", submission.Commit).Uint("submission_id", submission.ID).Msg("submission accepted")

	return response, nil
}

// handleExisting applies the redelivery policy to a commit that already has a submission. Inside
// the grace window nothing is enqueued, since the first delivery may still be dispatching; a failed
// enqueue is retried by the reaper instead.
func (s *webhookService) handleExisting(ctx context.Context, existing models.Submission, response dto.WebhookResponse) (dto.WebhookResponse, error) {
	response.SubmissionID = uintRef(existing.ID)

	if s.now().Sub(existing.CreatedAt) <= s.settings.GracePeriod {
		if existing.DispatchFailed() {
			s.logger.Warn().
				Str("commit", existing.Commit).
				Uint("submission_id", existing.ID).
				Msg("redelivered commit has a failed enqueue, leaving it to the reaper")
		}
		response.Outcome = OutcomeDuplicate
		return response, nil
	}

	s.logger.Warn().
		Str("commit", existing.Commit).
		Uint("submission_id", existing.ID).
		Time("created", existing.CreatedAt).
		Msg("push redelivered after grace window, resetting submission")

	if err := s.lifecycle.InitSubmissionModels(ctx, existing, InitReset); err != nil {
		return dto.WebhookResponse{}, err
	}

	if existing.IsDangling() {
		response.Outcome = OutcomeDangling
		s.logger.Warn().Str("commit", existing.Commit).Uint("submission_id", existing.ID).Msg("dangling submission redelivered")
		return response, nil
	}

	if err := s.lifecycle.Dispatch(ctx, existing); err != nil {
		return response, err
	}

	response.Outcome = OutcomeRedispatched
	return response, nil
}

func (s *webhookService) ownedByOrganization(fullName string) bool {
	org := strings.ToLower(strings.TrimSpace(s.settings.Organization))
	if org == "" {
		return false
	}

	return strings.HasPrefix(strings.ToLower(fullName), org+"/")
}

func (s *webhookService) defaultRef(event dto.PushEvent) string {
	branch := strings.TrimSpace(event.Repository.DefaultBranch)
	if branch == "" {
		branch = s.settings.DefaultBranch
	}

	return "refs/heads/" + strings.TrimPrefix(branch, "refs/heads/")
}

func (s *webhookService) logDangling(submission models.Submission, resolution Resolution) {
	s.logger.Warn().
		Str("commit", submission.Commit).
		Uint("submission_id", submission.ID).
		Str("assignment", resolution.Assignment.Name).
		Str("username", resolution.Username).
		Strs("candidates", resolution.Candidates).
		Msg("dangling submission")
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrMalformedWebhook):
		return "malformed"
	case errors.Is(err, ErrAssignmentNotFound):
		return "assignment_not_found"
	case errors.Is(err, ErrOrganizationMismatch):
		return "organization_mismatch"
	case errors.Is(err, ErrEnqueueFailed):
		return "enqueue_failed"
	default:
		return "error"
	}
}

func isZeroCommit(commit string) bool {
	return commit == zeroCommit || (commit != "" && strings.Trim(commit, "0") == "")
}

func uintRef(v uint) *uint {
	return &v
}
