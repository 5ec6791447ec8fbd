package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

// DefaultChunkSize bounds the number of submissions reset by one bulk regrade job.
const DefaultChunkSize = 100

var (
	// ErrAssignmentUnknown indicates no assignment carries the requested name.
	ErrAssignmentUnknown = errors.New("assignment not found")
	// ErrSubmissionInFlight is returned when a student asks to regrade work that is not finished.
	ErrSubmissionInFlight = errors.New("submission is still being processed")
	// ErrSubmissionForbidden is returned when a student asks to regrade someone else's submission.
	ErrSubmissionForbidden = errors.New("submission belongs to another user")
	// ErrAutogradeDisabled is returned when the assignment does not run the autograder.
	ErrAutogradeDisabled = errors.New("autograde is disabled for this assignment")
	// ErrSubmissionDangling is returned when a submission has no owner to grade for.
	ErrSubmissionDangling = errors.New("submission has no owner")
)

// ChunkIDs partitions ids into contiguous chunks of at most size elements, preserving order.
func ChunkIDs(ids []uint, size int) [][]uint {
	if size <= 0 {
		size = DefaultChunkSize
	}

	chunks := make([][]uint, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end:end])
	}

	return chunks
}

// RegradeService resets finished submissions and sends them through the pipeline again.
type RegradeService interface {
	RegradeAssignment(ctx context.Context, assignmentName string, filter dto.RegradeFilter) (dto.RegradeAssignmentResponse, error)
	ExecuteChunk(ctx context.Context, submissionIDs []uint, since time.Time) error
	RegradeCommit(ctx context.Context, commit string) (dto.SubmissionStatusResponse, error)
	RegradeOwnCommit(ctx context.Context, userID uint, commit string) (dto.SubmissionStatusResponse, error)
}

type regradeService struct {
	assignments repository.AssignmentRepository
	submissions repository.SubmissionRepository
	lifecycle   SubmissionLifecycle
	dispatcher  Dispatcher
	chunkSize   int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRegradeService constructs the regrade service.
func NewRegradeService(
	assignments repository.AssignmentRepository,
	submissions repository.SubmissionRepository,
	lifecycle SubmissionLifecycle,
	dispatcher Dispatcher,
	chunkSize int,
	logger zerolog.Logger,
) RegradeService {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &regradeService{
		assignments: assignments,
		submissions: submissions,
		lifecycle:   lifecycle,
		dispatcher:  dispatcher,
		chunkSize:   chunkSize,
		logger:      logger.With().Str("component", "regrade_service").Logger(),
		now:         time.Now,
	}
}

func (s *regradeService) RegradeAssignment(ctx context.Context, assignmentName string, filter dto.RegradeFilter) (dto.RegradeAssignmentResponse, error) {
	assignment, err := s.assignments.GetByName(ctx, assignmentName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.RegradeAssignmentResponse{}, ErrAssignmentUnknown
		}
		return dto.RegradeAssignmentResponse{}, err
	}

	query := repository.SubmissionFilter{
		Processed:    filter.Processed,
		NotProcessed: filter.NotProcessed,
		Reaped:       filter.Reaped,
	}
	if filter.Hours > 0 {
		since := s.now().Add(-time.Duration(filter.Hours) * time.Hour)
		query.CreatedAfter = &since
	}

	ids, err := s.submissions.ListIDsForRegrade(ctx, assignment.ID, query)
	if err != nil {
		return dto.RegradeAssignmentResponse{}, err
	}

	if ids == nil {
		ids = []uint{}
	}

	chunks := ChunkIDs(ids, s.chunkSize)
	response := dto.RegradeAssignmentResponse{Status: "chunks enqueued", Submissions: ids}
	for _, chunk := range chunks {
		if err := s.dispatcher.EnqueueBulkRegradeChunk(ctx, chunk); err != nil {
			response.Status = "partially enqueued"
			return response, fmt.Errorf("enqueued %d of %d regrade chunks: %w", response.Chunks, len(chunks), err)
		}
		response.Chunks++
	}

	s.logger.Info().
		Str("assignment", assignment.Name).
		Int("submissions", len(ids)).
		Int("chunks", response.Chunks).
		Msg("bulk regrade enqueued")

	return response, nil
}

// ExecuteChunk regrades every submission in the chunk. Missing ids are skipped and failures on
// one submission do not stop the others. Submissions dispatched after since were already handled
// by an earlier delivery of the same chunk and are skipped.
func (s *regradeService) ExecuteChunk(ctx context.Context, submissionIDs []uint, since time.Time) error {
	var errs []error
	for _, id := range submissionIDs {
		submission, err := s.submissions.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.logger.Warn().Uint("submission_id", id).Msg("regrade chunk references missing submission")
				continue
			}
			errs = append(errs, fmt.Errorf("submission %d: %w", id, err))
			continue
		}
		if !since.IsZero() && submission.DispatchedAt != nil && submission.DispatchedAt.After(since) {
			s.logger.Debug().Uint("submission_id", id).Msg("submission already regraded by this chunk")
			continue
		}

		if err := s.regrade(ctx, submission); err != nil {
			if errors.Is(err, ErrSubmissionDangling) {
				s.logger.Warn().Uint("submission_id", id).Msg("skipping dangling submission in regrade chunk")
				continue
			}
			errs = append(errs, fmt.Errorf("submission %d: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

func (s *regradeService) RegradeCommit(ctx context.Context, commit string) (dto.SubmissionStatusResponse, error) {
	submission, err := s.findByCommit(ctx, commit)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	if err := s.regrade(ctx, submission); err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	return s.status(ctx, submission.ID)
}

func (s *regradeService) RegradeOwnCommit(ctx context.Context, userID uint, commit string) (dto.SubmissionStatusResponse, error) {
	submission, err := s.findByCommit(ctx, commit)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	if submission.OwnerID == nil || *submission.OwnerID != userID {
		return dto.SubmissionStatusResponse{}, ErrSubmissionForbidden
	}
	if !submission.Assignment.AutogradeEnabled {
		return dto.SubmissionStatusResponse{}, ErrAutogradeDisabled
	}
	if submission.IsInFlight() {
		return dto.SubmissionStatusResponse{}, ErrSubmissionInFlight
	}

	if err := s.regrade(ctx, submission); err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	return s.status(ctx, submission.ID)
}

func (s *regradeService) regrade(ctx context.Context, submission models.Submission) error {
	if submission.IsDangling() {
		return ErrSubmissionDangling
	}

	if err := s.lifecycle.InitSubmissionModels(ctx, submission, InitRegrade); err != nil {
		return err
	}

	return s.lifecycle.Dispatch(ctx, submission)
}

func (s *regradeService) findByCommit(ctx context.Context, commit string) (models.Submission, error) {
	submission, err := s.submissions.GetByCommit(ctx, commit)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}

	return submission, nil
}

func (s *regradeService) status(ctx context.Context, id uint) (dto.SubmissionStatusResponse, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return dto.SubmissionStatusResponse{}, err
	}

	return dto.NewSubmissionStatusResponse(submission), nil
}
