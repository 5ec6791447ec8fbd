package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

// PipelineHandler receives progress reports from the pipeline runner.
type PipelineHandler struct {
	lifecycle service.SubmissionLifecycle
	logger    zerolog.Logger
}

// NewPipelineHandler constructs the handler.
func NewPipelineHandler(lifecycle service.SubmissionLifecycle, logger zerolog.Logger) *PipelineHandler {
	return &PipelineHandler{
		lifecycle: lifecycle,
		logger:    logger.With().Str("component", "pipeline_handler").Logger(),
	}
}

// Register wires the runner callback endpoints.
func (h *PipelineHandler) Register(router fiber.Router) {
	router.Post("/submissions/:id/state", h.reportState)
}

func (h *PipelineHandler) reportState(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.StateReportRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.lifecycle.ReportState(c.UserContext(), id, payload)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidStateReport):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrSubmissionNotFound):
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Uint("submission_id", id).Msg("state report failed")
			return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
		}
	}

	return utils.SendSuccess(c, "state recorded", response)
}
