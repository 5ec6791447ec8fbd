package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// AssignmentRepository defines persistence operations for assignments.
type AssignmentRepository interface {
	FindByUniqueCodes(ctx context.Context, codes []string) ([]models.Assignment, error)
	GetByID(ctx context.Context, id uint) (models.Assignment, error)
	GetByName(ctx context.Context, name string) (models.Assignment, error)
	ListTests(ctx context.Context, assignmentID uint) ([]models.AssignmentTest, error)
	ListAutogradeDueAfter(ctx context.Context, cutoff time.Time) ([]models.Assignment, error)
}

type assignmentRepository struct {
	db *gorm.DB
}

// NewAssignmentRepository instantiates a GORM-backed repository.
func NewAssignmentRepository(db *gorm.DB) AssignmentRepository {
	return &assignmentRepository{db: db}
}

// FindByUniqueCodes loads every assignment whose unique code is in codes with a single query.
func (r *assignmentRepository) FindByUniqueCodes(ctx context.Context, codes []string) ([]models.Assignment, error) {
	if len(codes) == 0 {
		return []models.Assignment{}, nil
	}

	var assignments []models.Assignment
	if err := r.db.WithContext(ctx).
		Where("unique_code IN ?", codes).
		Order("id ASC").
		Find(&assignments).Error; err != nil {
		return nil, err
	}

	return assignments, nil
}

func (r *assignmentRepository) GetByID(ctx context.Context, id uint) (models.Assignment, error) {
	var assignment models.Assignment
	if err := r.db.WithContext(ctx).First(&assignment, id).Error; err != nil {
		return models.Assignment{}, err
	}

	return assignment, nil
}

func (r *assignmentRepository) GetByName(ctx context.Context, name string) (models.Assignment, error) {
	var assignment models.Assignment
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&assignment).Error; err != nil {
		return models.Assignment{}, err
	}

	return assignment, nil
}

func (r *assignmentRepository) ListTests(ctx context.Context, assignmentID uint) ([]models.AssignmentTest, error) {
	var tests []models.AssignmentTest
	if err := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, err
	}

	return tests, nil
}

// ListAutogradeDueAfter returns autograded assignments whose due date is later than cutoff.
func (r *assignmentRepository) ListAutogradeDueAfter(ctx context.Context, cutoff time.Time) ([]models.Assignment, error) {
	var assignments []models.Assignment
	if err := r.db.WithContext(ctx).
		Where("autograde_enabled = ?", true).
		Where("due_date > ?", cutoff).
		Order("id ASC").
		Find(&assignments).Error; err != nil {
		return nil, err
	}

	return assignments, nil
}
