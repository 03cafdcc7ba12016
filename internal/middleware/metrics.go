package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/keygate/keygate/internal/obs"
)

// Metrics records in-flight gauge, request count and latency per route pattern.
func Metrics(m *obs.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.RequestStarted()
		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		m.RequestFinished(c.Method(), c.Route().Path, status, time.Since(start))
		return err
	}
}
