package handler

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/service"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

// WebhookHandler receives push deliveries from the hosting provider.
type WebhookHandler struct {
	service service.WebhookService
	logger  zerolog.Logger
}

// NewWebhookHandler constructs the handler.
func NewWebhookHandler(service service.WebhookService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger.With().Str("component", "webhook_handler").Logger(),
	}
}

// Register wires the primary and backup delivery endpoints.
func (h *WebhookHandler) Register(router fiber.Router) {
	router.Post("", h.push)
	router.Post("/backup", h.push)
}

func (h *WebhookHandler) push(c *fiber.Ctx) error {
	delivery := dto.WebhookContext{
		ContentType: c.Get(fiber.HeaderContentType),
		EventType:   c.Get("X-GitHub-Event"),
		DeliveryID:  c.Get("X-GitHub-Delivery"),
	}

	var event dto.PushEvent
	if err := json.Unmarshal(c.Body(), &event); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid webhook payload")
	}

	response, err := h.service.HandlePush(c.UserContext(), delivery, event)
	if err != nil {
		return h.handleError(c, err, delivery)
	}

	switch response.Outcome {
	case service.OutcomeIgnoredBranch:
		return c.Status(fiber.StatusNotAcceptable).JSON(utils.APIResponse{Success: false, Data: response, Message: "push to non-default branch ignored"})
	case service.OutcomeDangling:
		return c.Status(fiber.StatusNotAcceptable).JSON(utils.APIResponse{Success: false, Data: response, Message: "submission has no matching user"})
	}

	return utils.SendSuccess(c, "webhook "+response.Outcome, response)
}

func (h *WebhookHandler) handleError(c *fiber.Ctx, err error, delivery dto.WebhookContext) error {
	switch {
	case errors.Is(err, service.ErrMalformedWebhook):
		return utils.Fail(c, fiber.StatusBadRequest, "malformed webhook", err.Error())
	case errors.Is(err, service.ErrAssignmentNotFound):
		return utils.SendError(c, fiber.StatusNotAcceptable, "assignment not found")
	case errors.Is(err, service.ErrOrganizationMismatch):
		return utils.SendError(c, fiber.StatusNotAcceptable, "repository outside organization")
	case errors.Is(err, service.ErrEnqueueFailed):
		requestLogger(h.logger, c).Error().Err(err).Str("delivery", delivery.DeliveryID).Msg("pipeline dispatch failed")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "job queue unavailable")
	default:
		requestLogger(h.logger, c).Error().Err(err).Str("delivery", delivery.DeliveryID).Msg("webhook handling failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
