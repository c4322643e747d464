package handlers

import (
	"errors"

	"gamebattle-orchestrator/sandbox"
	"gamebattle-orchestrator/services"
	"gamebattle-orchestrator/store"

	"github.com/gofiber/fiber/v2"
)

// errorStatus maps service errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrArtifactNotFound),
		errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrNoStanding),
		errors.Is(err, services.ErrCompetitionDisabled):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrConcurrencyLimitExceeded):
		return fiber.StatusTooManyRequests
	case errors.Is(err, services.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrInvalidReport):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrSessionNotTerminated):
		return fiber.StatusConflict
	case errors.Is(err, sandbox.ErrLaunchFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, sandbox.ErrQuotaExceeded),
		errors.Is(err, store.ErrUnavailable),
		errors.Is(err, store.ErrLockHeld),
		errors.Is(err, services.ErrShuttingDown):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	if status == fiber.StatusServiceUnavailable {
		c.Set("Retry-After", "5")
	}
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
