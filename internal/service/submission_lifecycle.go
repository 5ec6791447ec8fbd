package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrInvalidStateReport is returned when a runner report carries no usable label.
	ErrInvalidStateReport = errors.New("invalid state report")
)

// InitMode selects the control state a submission is reset into.
type InitMode int

const (
	// InitReset queues the submission as fresh work.
	InitReset InitMode = iota
	// InitRegrade marks the submission as a regrade the stale sweep must leave alone.
	InitRegrade
)

// SubmissionLifecycle owns the transitions of a submission between creation and the pipeline.
type SubmissionLifecycle interface {
	InitSubmissionModels(ctx context.Context, submission models.Submission, mode InitMode) error
	Dispatch(ctx context.Context, submission models.Submission) error
	ReportState(ctx context.Context, submissionID uint, req dto.StateReportRequest) (dto.SubmissionStatusResponse, error)
}

type submissionLifecycle struct {
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	dispatcher  Dispatcher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewSubmissionLifecycle constructs the submission state machine.
func NewSubmissionLifecycle(
	assignments repository.AssignmentRepository,
	submissions repository.SubmissionRepository,
	dispatcher Dispatcher,
	validate *validator.Validate,
	logger zerolog.Logger,
) SubmissionLifecycle {
	return &submissionLifecycle{
		assignments: assignments,
		submissions: submissions,
		dispatcher:  dispatcher,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "submission_lifecycle").Logger(),
		now:         time.Now,
	}
}

// InitSubmissionModels discards any build and test results and recreates empty placeholders.
// It can be called repeatedly on the same submission.
func (s *submissionLifecycle) InitSubmissionModels(ctx context.Context, submission models.Submission, mode InitMode) error {
	tests, err := s.assignments.ListTests(ctx, submission.AssignmentID)
	if err != nil {
		return err
	}

	control, label := models.ControlQueued, models.StateWaitingForResources
	if mode == InitRegrade {
		control, label = models.ControlRegrading, models.StateRegrading
	}

	if err := s.submissions.InitModels(ctx, submission.ID, tests, control, label); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubmissionNotFound
		}
		return err
	}

	return nil
}

// Dispatch enqueues the pipeline run and records the dispatch time. A failed enqueue only records
// the failure marker the reaper retries from.
func (s *submissionLifecycle) Dispatch(ctx context.Context, submission models.Submission) error {
	if err := s.dispatcher.EnqueuePipelineRun(ctx, submission.ID); err != nil {
		if markErr := s.submissions.MarkEnqueueFailed(context.WithoutCancel(ctx), submission.ID, s.now()); markErr != nil {
			s.logger.Error().Err(markErr).Uint("submission_id", submission.ID).Msg("failed to record enqueue failure")
		}
		return err
	}

	if err := s.submissions.MarkDispatched(ctx, submission.ID, s.now()); err != nil {
		return fmt.Errorf("record dispatch for submission %d: %w", submission.ID, err)
	}

	return nil
}

func (s *submissionLifecycle) ReportState(ctx context.Context, submissionID uint, req dto.StateReportRequest) (dto.SubmissionStatusResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SubmissionStatusResponse{}, fmt.Errorf("%w: %v", ErrInvalidStateReport, err)
	}

	label := strings.TrimSpace(s.sanitizer.Sanitize(req.State))
	if label == "" {
		return dto.SubmissionStatusResponse{}, ErrInvalidStateReport
	}

	if err := s.submissions.ApplyReport(ctx, submissionID, label, req.Processed); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionStatusResponse{}, ErrSubmissionNotFound
		}
		return dto.SubmissionStatusResponse{}, err
	}

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	s.logger.Debug().Uint("submission_id", submissionID).Str("state", label).Bool("processed", req.Processed).Msg("state reported")

	return dto.NewSubmissionStatusResponse(submission), nil
}
