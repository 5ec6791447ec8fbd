package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograde/internal/config"
	"github.com/noah-isme/gema-autograde/internal/utils"
)

const checkTimeout = 2 * time.Second

// DependencyCheck checks one dependency the API needs to accept deliveries.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Service      string            `json:"service"`
	Environment  string            `json:"environment"`
	Organization string            `json:"organization"`
	QueueDriver  string            `json:"queue_driver"`
	Checks       map[string]string `json:"checks,omitempty"`
}

// HealthCheck reports build and configuration facts plus the result of every dependency check. Any failed
// check turns the response into a 503 so load balancers stop routing webhooks here.
func HealthCheck(cfg config.Config, checks ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:       "ok",
			Timestamp:    time.Now().UTC(),
			Service:      cfg.AppName,
			Environment:  cfg.AppEnv,
			Organization: cfg.GithubOrg,
			QueueDriver:  cfg.QueueDriver,
		}

		if len(checks) > 0 {
			payload.Checks = make(map[string]string, len(checks))
		}
		for _, check := range checks {
			ctx, cancel := context.WithTimeout(c.UserContext(), checkTimeout)
			err := check.Check(ctx)
			cancel()

			payload.Checks[check.Name] = "ok"
			if err != nil {
				payload.Checks[check.Name] = err.Error()
				payload.Status = "degraded"
			}
		}

		if payload.Status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
				Success: false,
				Data:    payload,
				Message: "service degraded",
			})
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
