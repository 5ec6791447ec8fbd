package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// AssignmentRepoRepository persists the binding between hosted repositories and assignments.
type AssignmentRepoRepository interface {
	// Ensure returns the binding for (assignmentID, repoURL), creating it when missing.
	// created is true only for the call that inserted the row.
	Ensure(ctx context.Context, binding models.AssignmentRepo) (models.AssignmentRepo, bool, error)
	GetByID(ctx context.Context, id uint) (models.AssignmentRepo, error)
	UpdateOwner(ctx context.Context, id uint, ownerID *uint) error
}

type assignmentRepoRepository struct {
	db *gorm.DB
}

// NewAssignmentRepoRepository constructs the binding repository.
func NewAssignmentRepoRepository(db *gorm.DB) AssignmentRepoRepository {
	return &assignmentRepoRepository{db: db}
}

func (r *assignmentRepoRepository) Ensure(ctx context.Context, binding models.AssignmentRepo) (models.AssignmentRepo, bool, error) {
	binding.ID = 0
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "assignment_id"}, {Name: "repo_url"}},
		DoNothing: true,
	}).Create(&binding)
	if tx.Error != nil {
		return models.AssignmentRepo{}, false, tx.Error
	}

	var stored models.AssignmentRepo
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND repo_url = ?", binding.AssignmentID, binding.RepoURL).
		First(&stored).Error; err != nil {
		return models.AssignmentRepo{}, false, err
	}

	return stored, tx.RowsAffected == 1, nil
}

func (r *assignmentRepoRepository) GetByID(ctx context.Context, id uint) (models.AssignmentRepo, error) {
	var binding models.AssignmentRepo
	if err := r.db.WithContext(ctx).First(&binding, id).Error; err != nil {
		return models.AssignmentRepo{}, err
	}

	return binding, nil
}

func (r *assignmentRepoRepository) UpdateOwner(ctx context.Context, id uint, ownerID *uint) error {
	return r.db.WithContext(ctx).
		Model(&models.AssignmentRepo{}).
		Where("id = ?", id).
		Update("owner_id", ownerID).Error
}
