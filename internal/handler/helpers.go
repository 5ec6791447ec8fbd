package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/middleware"
)

// parseUintParam reads a positive numeric route parameter.
func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Params(name)), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(id), nil
}

// parseQueryUint reads an optional numeric query value; absent means zero.
func parseQueryUint(c *fiber.Ctx, key string) (uint, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return uint(value), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	switch id := c.Locals("user_id").(type) {
	case uint:
		return id
	case int:
		if id > 0 {
			return uint(id)
		}
	}
	return 0
}

// requestLogger scopes base to the request's correlation id and route.
func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	fields := base.With()
	if id := middleware.GetCorrelationID(c); id != "" {
		fields = fields.Str("correlation_id", id)
	}
	if route := c.Route(); route != nil {
		fields = fields.Str("route", route.Path)
	}
	logger := fields.Logger()
	return &logger
}

func isValidationError(err error) bool {
	var invalid validator.ValidationErrors
	return errors.As(err, &invalid)
}
