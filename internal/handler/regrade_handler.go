package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

// RegradeHandler exposes the admin and student regrade endpoints.
type RegradeHandler struct {
	service   service.RegradeService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewRegradeHandler constructs the handler.
func NewRegradeHandler(service service.RegradeService, validator *validator.Validate, logger zerolog.Logger) *RegradeHandler {
	return &RegradeHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "regrade_handler").Logger(),
	}
}

// RegisterAdmin wires the administrative regrade endpoints.
func (h *RegradeHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/submission/:commit", h.regradeCommit)
	router.Post("/assignment/:name", h.regradeAssignment)
}

// RegisterStudent wires the self-service regrade endpoint.
func (h *RegradeHandler) RegisterStudent(router fiber.Router) {
	router.Post("/regrade/:commit", h.regradeOwnCommit)
}

func (h *RegradeHandler) regradeAssignment(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment name required")
	}

	var query dto.RegradeAssignmentQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}
	if err := h.validator.Struct(query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.RegradeAssignment(c.UserContext(), name, query.Filter())
	if err != nil {
		if errors.Is(err, service.ErrEnqueueFailed) && response.Chunks > 0 {
			requestLogger(h.logger, c).Error().Err(err).Str("assignment", name).Int("chunks", response.Chunks).Msg("bulk regrade partially enqueued")
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
				Success: false,
				Data:    response,
				Message: "bulk regrade partially enqueued",
			})
		}
		return h.handleError(c, err)
	}

	return utils.OK(c, response, "regrade enqueued", fiber.Map{"chunks": response.Chunks})
}

func (h *RegradeHandler) regradeCommit(c *fiber.Ctx) error {
	commit := strings.TrimSpace(c.Params("commit"))
	response, err := h.service.RegradeCommit(c.UserContext(), commit)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "regrade enqueued", response)
}

func (h *RegradeHandler) regradeOwnCommit(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == 0 {
		return utils.SendError(c, fiber.StatusUnauthorized, "unauthorized")
	}

	commit := strings.TrimSpace(c.Params("commit"))
	response, err := h.service.RegradeOwnCommit(c.UserContext(), userID, commit)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "regrade enqueued", response)
}

func (h *RegradeHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrAssignmentUnknown), errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSubmissionForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrAutogradeDisabled), errors.Is(err, service.ErrSubmissionDangling):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSubmissionInFlight):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrEnqueueFailed):
		requestLogger(h.logger, c).Error().Err(err).Msg("regrade dispatch failed")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "job queue unavailable")
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("regrade failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
