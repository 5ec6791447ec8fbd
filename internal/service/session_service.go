package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/repository"
)

// ErrSessionNotFound indicates the session does not exist in the requested course.
var ErrSessionNotFound = errors.New("session not found")

// SessionDefaults supplies the values used when an admin session request leaves them out.
type SessionDefaults struct {
	Image   string
	RepoURL string
	Options map[string]interface{}
}

// SessionService manages administrative IDE sessions. Provisioning and teardown run in the
// external session runner.
type SessionService interface {
	InitializeAdmin(ctx context.Context, ownerID uint, req dto.AdminSessionRequest) (dto.SessionResponse, error)
	ListActive(ctx context.Context, courseID uint) ([]dto.SessionResponse, error)
	Stop(ctx context.Context, sessionID, courseID uint) (dto.SessionResponse, error)
	RequestReapStale(ctx context.Context) error
}

type sessionService struct {
	sessions   repository.TheiaSessionRepository
	dispatcher Dispatcher
	validator  *validator.Validate
	defaults   SessionDefaults
	logger     zerolog.Logger
	now        func() time.Time
}

// NewSessionService constructs the session service.
func NewSessionService(
	sessions repository.TheiaSessionRepository,
	dispatcher Dispatcher,
	validate *validator.Validate,
	defaults SessionDefaults,
	logger zerolog.Logger,
) SessionService {
	return &sessionService{
		sessions:   sessions,
		dispatcher: dispatcher,
		validator:  validate,
		defaults:   defaults,
		logger:     logger.With().Str("component", "session_service").Logger(),
		now:        time.Now,
	}
}

// InitializeAdmin returns the caller's active admin session for the course, or creates one and
// asks the runner to provision it.
func (s *sessionService) InitializeAdmin(ctx context.Context, ownerID uint, req dto.AdminSessionRequest) (dto.SessionResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, err
	}

	existing, err := s.sessions.FindActiveAdmin(ctx, ownerID, req.CourseID)
	if err == nil {
		return dto.NewSessionResponse(existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.SessionResponse{}, err
	}

	session := models.TheiaSession{
		OwnerID:       ownerID,
		CourseID:      req.CourseID,
		Image:         firstNonEmpty(req.Image, s.defaults.Image),
		RepoURL:       firstNonEmpty(req.RepoURL, s.defaults.RepoURL),
		NetworkLocked: boolOr(req.NetworkLocked, false),
		Privileged:    boolOr(req.Privileged, true),
		Options:       datatypes.JSONMap(s.options(req.Options)),
		Active:        true,
		State:         models.SessionStateInitializing,
		LastProxy:     s.now(),
	}

	if err := s.sessions.Create(ctx, &session); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.SessionResponse{}, err
		}
		winner, findErr := s.sessions.FindActiveAdmin(ctx, ownerID, req.CourseID)
		if findErr != nil {
			return dto.SessionResponse{}, findErr
		}
		s.logger.Debug().Uint("session_id", winner.ID).Uint("owner_id", ownerID).Msg("concurrent admin session request joined existing session")
		return dto.NewSessionResponse(winner), nil
	}

	if err := s.dispatcher.EnqueueSessionInitialize(ctx, session.ID); err != nil {
		if markErr := s.sessions.Deactivate(ctx, session.ID, models.SessionStateFailed, nil); markErr != nil {
			s.logger.Error().Err(markErr).Uint("session_id", session.ID).Msg("failed to mark session as failed")
		}
		return dto.SessionResponse{}, err
	}

	s.logger.Info().Uint("session_id", session.ID).Uint("owner_id", ownerID).Uint("course_id", req.CourseID).Msg("admin session initializing")

	return dto.NewSessionResponse(session), nil
}

func (s *sessionService) ListActive(ctx context.Context, courseID uint) ([]dto.SessionResponse, error) {
	sessions, err := s.sessions.ListActive(ctx, courseID)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		responses = append(responses, dto.NewSessionResponse(session))
	}

	return responses, nil
}

// Stop asks the runner to tear the session down, then marks it ended. The row is left untouched
// when the stop job cannot be enqueued.
func (s *sessionService) Stop(ctx context.Context, sessionID, courseID uint) (dto.SessionResponse, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SessionResponse{}, ErrSessionNotFound
		}
		return dto.SessionResponse{}, err
	}
	if courseID != 0 && session.CourseID != courseID {
		return dto.SessionResponse{}, ErrSessionNotFound
	}

	if err := s.dispatcher.EnqueueSessionStop(ctx, session.ID); err != nil {
		return dto.SessionResponse{}, err
	}

	ended := s.now()
	if err := s.sessions.Deactivate(ctx, session.ID, models.SessionStateEnding, &ended); err != nil {
		return dto.SessionResponse{}, err
	}

	session.Active = false
	session.State = models.SessionStateEnding
	session.Ended = &ended

	return dto.NewSessionResponse(session), nil
}

func (s *sessionService) RequestReapStale(ctx context.Context) error {
	return s.dispatcher.EnqueueReapStaleSessions(ctx)
}

func (s *sessionService) options(requested map[string]interface{}) map[string]interface{} {
	options := make(map[string]interface{}, len(s.defaults.Options)+len(requested))
	for key, value := range s.defaults.Options {
		options[key] = value
	}
	for key, value := range requested {
		options[key] = value
	}

	return options
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}

	return ""
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}

	return *value
}
