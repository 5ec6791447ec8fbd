package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/models"
)

// TheiaSessionRepository persists interactive IDE sessions.
type TheiaSessionRepository interface {
	FindActiveAdmin(ctx context.Context, ownerID, courseID uint) (models.TheiaSession, error)
	GetByID(ctx context.Context, id uint) (models.TheiaSession, error)
	Create(ctx context.Context, session *models.TheiaSession) error
	ListActive(ctx context.Context, courseID uint) ([]models.TheiaSession, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]models.TheiaSession, error)
	Deactivate(ctx context.Context, id uint, state string, ended *time.Time) error
}

type theiaSessionRepository struct {
	db *gorm.DB
}

// NewTheiaSessionRepository constructs a session repository.
func NewTheiaSessionRepository(db *gorm.DB) TheiaSessionRepository {
	return &theiaSessionRepository{db: db}
}

func (r *theiaSessionRepository) FindActiveAdmin(ctx context.Context, ownerID, courseID uint) (models.TheiaSession, error) {
	var session models.TheiaSession
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND course_id = ?", ownerID, courseID).
		Where("active = ?", true).
		Where("assignment_id IS NULL").
		Order("id DESC").
		First(&session).Error; err != nil {
		return models.TheiaSession{}, err
	}

	return session, nil
}

func (r *theiaSessionRepository) GetByID(ctx context.Context, id uint) (models.TheiaSession, error) {
	var session models.TheiaSession
	if err := r.db.WithContext(ctx).First(&session, id).Error; err != nil {
		return models.TheiaSession{}, err
	}

	return session, nil
}

// Create inserts the session. A second active admin session for the same owner and course yields
// gorm.ErrDuplicatedKey.
func (r *theiaSessionRepository) Create(ctx context.Context, session *models.TheiaSession) error {
	return normalizeDuplicate(r.db.WithContext(ctx).Create(session).Error)
}

// ListActive returns active sessions, restricted to courseID when it is non-zero.
func (r *theiaSessionRepository) ListActive(ctx context.Context, courseID uint) ([]models.TheiaSession, error) {
	query := r.db.WithContext(ctx).Where("active = ?", true)
	if courseID != 0 {
		query = query.Where("course_id = ?", courseID)
	}

	var sessions []models.TheiaSession
	if err := query.Order("id ASC").Find(&sessions).Error; err != nil {
		return nil, err
	}

	return sessions, nil
}

func (r *theiaSessionRepository) ListStale(ctx context.Context, cutoff time.Time) ([]models.TheiaSession, error) {
	var sessions []models.TheiaSession
	if err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Where("last_proxy <= ?", cutoff).
		Order("id ASC").
		Find(&sessions).Error; err != nil {
		return nil, err
	}

	return sessions, nil
}

func (r *theiaSessionRepository) Deactivate(ctx context.Context, id uint, state string, ended *time.Time) error {
	updates := map[string]interface{}{
		"active": false,
		"state":  state,
	}
	if ended != nil {
		updates["ended"] = *ended
	}

	result := r.db.WithContext(ctx).
		Model(&models.TheiaSession{}).
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
