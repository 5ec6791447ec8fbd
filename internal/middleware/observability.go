package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograde/internal/observability"
)

const defaultSlowRequest = 500 * time.Millisecond

// Observability records request metrics for every /api route and writes one structured log
// line per request. Webhook deliveries are tagged with their event and delivery id.
func Observability(logger zerolog.Logger, slowRequest time.Duration) fiber.Handler {
	observability.RegisterMetrics()
	if slowRequest <= 0 {
		slowRequest = defaultSlowRequest
	}

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), "/api/") {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		method := c.Method()
		status := c.Response().StatusCode()
		code := strconv.Itoa(status)

		observability.HTTPRequests().WithLabelValues(method, route, code).Inc()
		observability.HTTPLatency().WithLabelValues(method, route).Observe(elapsed.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.HTTPErrors().WithLabelValues(method, route, code).Inc()
		}

		fields := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("method", method).
			Str("route", route).
			Int("status", status).
			Dur("latency", elapsed)
		if event := c.Get("X-GitHub-Event"); event != "" {
			fields = fields.Str("github_event", event).Str("delivery_id", c.Get("X-GitHub-Delivery"))
		}
		requestLogger := fields.Logger()

		var entry *zerolog.Event
		switch {
		case status >= fiber.StatusInternalServerError:
			entry = requestLogger.Error()
		case status >= fiber.StatusBadRequest:
			entry = requestLogger.Warn()
		default:
			entry = requestLogger.Info()
		}
		entry.Bool("slow", elapsed >= slowRequest).Msg("request completed")

		return err
	}
}
