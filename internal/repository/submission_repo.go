package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// SubmissionFilter narrows the submissions selected for a bulk regrade.
type SubmissionFilter struct {
	CreatedAfter *time.Time
	Processed    bool
	NotProcessed bool
	Reaped       bool
}

// SubmissionRepository defines persistence operations for submissions and their report placeholders.
type SubmissionRepository interface {
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	GetByCommit(ctx context.Context, commit string) (models.Submission, error)
	Create(ctx context.Context, submission *models.Submission) error
	InitModels(ctx context.Context, submissionID uint, tests []models.AssignmentTest, control models.ControlState, label string) error
	MarkDispatched(ctx context.Context, id uint, at time.Time) error
	MarkEnqueueFailed(ctx context.Context, id uint, at time.Time) error
	ClaimDispatchRetry(ctx context.Context, id uint) (bool, error)
	ListDispatchFailed(ctx context.Context, commits []string) ([]models.Submission, error)
	UpdateOwner(ctx context.Context, id uint, ownerID *uint) error
	ApplyReport(ctx context.Context, id uint, label string, processed bool) error
	ReapStale(ctx context.Context, cutoff time.Time) (int64, error)
	ListIDsForRegrade(ctx context.Context, assignmentID uint, filter SubmissionFilter) ([]uint, error)
	ListByRepo(ctx context.Context, repoID uint) ([]models.Submission, error)
	ListUnbuilt(ctx context.Context, assignmentID uint) ([]models.Submission, error)
	ExistingCommits(ctx context.Context, commits []string) (map[string]struct{}, error)
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a new repository instance.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).Preload("Assignment").First(&submission, id).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *submissionRepository) GetByCommit(ctx context.Context, commit string) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).
		Preload("Assignment").
		Where("commit_sha = ?", commit).
		First(&submission).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

// Create inserts the submission. A second insert for the same commit yields gorm.ErrDuplicatedKey.
func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return normalizeDuplicate(r.db.WithContext(ctx).Omit("Assignment", "Build", "TestResults").Create(submission).Error)
}

// InitModels replaces the build and test result placeholders and resets the control state
// inside one transaction.
func (r *submissionRepository) InitModels(ctx context.Context, submissionID uint, tests []models.AssignmentTest, control models.ControlState, label string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("submission_id = ?", submissionID).Delete(&models.SubmissionTestResult{}).Error; err != nil {
			return err
		}
		if err := tx.Where("submission_id = ?", submissionID).Delete(&models.SubmissionBuild{}).Error; err != nil {
			return err
		}

		build := models.SubmissionBuild{SubmissionID: submissionID}
		if err := tx.Create(&build).Error; err != nil {
			return err
		}

		if len(tests) > 0 {
			results := make([]models.SubmissionTestResult, 0, len(tests))
			for _, test := range tests {
				results = append(results, models.SubmissionTestResult{
					SubmissionID:     submissionID,
					AssignmentTestID: test.ID,
				})
			}
			if err := tx.Create(&results).Error; err != nil {
				return err
			}
		}

		result := tx.Model(&models.Submission{}).
			Where("id = ?", submissionID).
			Updates(map[string]interface{}{
				"processed": false,
				"control":   control,
				"state":     label,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		return nil
	})
}

// MarkDispatched records a successful enqueue and clears any earlier enqueue failure.
func (r *submissionRepository) MarkDispatched(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"dispatched_at":     at,
			"enqueue_failed_at": nil,
		}).Error
}

func (r *submissionRepository) MarkEnqueueFailed(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Update("enqueue_failed_at", at).Error
}

// ClaimDispatchRetry clears the enqueue failure marker of an unprocessed submission. Only one
// caller observes true for a given failure.
func (r *submissionRepository) ClaimDispatchRetry(ctx context.Context, id uint) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Where("enqueue_failed_at IS NOT NULL").
		Where("processed = ?", false).
		Update("enqueue_failed_at", nil)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// ListDispatchFailed returns owned, unprocessed submissions among commits whose last enqueue failed.
func (r *submissionRepository) ListDispatchFailed(ctx context.Context, commits []string) ([]models.Submission, error) {
	if len(commits) == 0 {
		return []models.Submission{}, nil
	}

	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Where("commit_sha IN ?", commits).
		Where("owner_id IS NOT NULL").
		Where("processed = ?", false).
		Where("enqueue_failed_at IS NOT NULL").
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) UpdateOwner(ctx context.Context, id uint, ownerID *uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Update("owner_id", ownerID).Error
}

// ApplyReport stores a runner supplied label. A processed report moves the submission to terminal,
// including submissions the reaper already gave up on. A progress report replaces the regrading
// marker with queued so a runner that dies mid regrade is still reaped.
func (r *submissionRepository) ApplyReport(ctx context.Context, id uint, label string, processed bool) error {
	updates := map[string]interface{}{"state": label}
	if processed {
		updates["processed"] = true
		updates["control"] = models.ControlTerminal
	} else {
		updates["control"] = gorm.Expr("CASE WHEN control = ? THEN ? ELSE control END", string(models.ControlRegrading), string(models.ControlQueued))
	}

	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}

// ReapStale marks every unprocessed, non-regrading submission last touched before cutoff as reaped
// in a single statement.
func (r *submissionRepository) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("processed = ?", false).
		Where("control <> ?", models.ControlRegrading).
		Where("last_updated < ?", cutoff).
		Updates(map[string]interface{}{
			"processed": true,
			"control":   models.ControlReaped,
			"state":     models.StateReaped,
		})

	return result.RowsAffected, result.Error
}

func (r *submissionRepository) ListIDsForRegrade(ctx context.Context, assignmentID uint, filter SubmissionFilter) ([]uint, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("assignment_id = ?", assignmentID).
		Where("owner_id IS NOT NULL")

	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.Processed {
		query = query.Where("processed = ?", true)
	}
	if filter.NotProcessed {
		query = query.Where("processed = ?", false)
	}
	if filter.Reaped {
		query = query.Where("control = ?", models.ControlReaped)
	}

	var ids []uint
	if err := query.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *submissionRepository) ListByRepo(ctx context.Context, repoID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Where("assignment_repo_id = ?", repoID).
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

// ListUnbuilt returns owned submissions of an assignment that have no build placeholder.
func (r *submissionRepository) ListUnbuilt(ctx context.Context, assignmentID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Where("owner_id IS NOT NULL").
		Where("NOT EXISTS (SELECT 1 FROM submission_builds b WHERE b.submission_id = submissions.id)").
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	return submissions, nil
}

func (r *submissionRepository) ExistingCommits(ctx context.Context, commits []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(commits))
	if len(commits) == 0 {
		return existing, nil
	}

	var found []string
	if err := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("commit_sha IN ?", commits).
		Pluck("commit_sha", &found).Error; err != nil {
		return nil, err
	}

	for _, commit := range found {
		existing[commit] = struct{}{}
	}

	return existing, nil
}
