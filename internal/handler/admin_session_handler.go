package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

// AdminSessionHandler manages administrative IDE sessions.
type AdminSessionHandler struct {
	service service.SessionService
	logger  zerolog.Logger
}

// NewAdminSessionHandler constructs the handler.
func NewAdminSessionHandler(service service.SessionService, logger zerolog.Logger) *AdminSessionHandler {
	return &AdminSessionHandler{
		service: service,
		logger:  logger.With().Str("component", "admin_session_handler").Logger(),
	}
}

// Register wires the session endpoints.
func (h *AdminSessionHandler) Register(router fiber.Router) {
	router.Post("/initialize", h.initialize)
	router.Get("/active", h.active)
	router.Post("/stop/:id", h.stop)
	router.Post("/reap-stale", h.reapStale)
}

func (h *AdminSessionHandler) initialize(c *fiber.Ctx) error {
	ownerID := userIDFromContext(c)
	if ownerID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var payload dto.AdminSessionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.InitializeAdmin(c.UserContext(), ownerID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "session initializing", response)
}

func (h *AdminSessionHandler) active(c *fiber.Ctx) error {
	courseID, err := parseQueryUint(c, "course_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	sessions, err := h.service.ListActive(c.UserContext(), courseID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, sessions, "active sessions retrieved", fiber.Map{"total": len(sessions)})
}

func (h *AdminSessionHandler) stop(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	courseID, err := parseQueryUint(c, "course_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.Stop(c.UserContext(), id, courseID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "session stopping", response)
}

func (h *AdminSessionHandler) reapStale(c *fiber.Ctx) error {
	if err := h.service.RequestReapStale(c.UserContext()); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "reap requested", nil)
}

func (h *AdminSessionHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrEnqueueFailed):
		requestLogger(h.logger, c).Error().Err(err).Msg("session job dispatch failed")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "job queue unavailable")
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("session operation failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
