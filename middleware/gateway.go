package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// GatewayAuthMiddleware only lets through requests carrying the gateway's
// service token. An empty token disables the check. Requests matched by
// exempt skip it.
func GatewayAuthMiddleware(token string, exempt func(c *fiber.Ctx) bool, log logrus.FieldLogger) fiber.Handler {
	log = log.WithField("component", "gateway.auth")
	if token == "" {
		log.Warn("Gateway authentication disabled")
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	return func(c *fiber.Ctx) error {
		if exempt != nil && exempt(c) {
			return c.Next()
		}
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader == "" {
			log.WithField("path", c.Path()).Debug("Missing Authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		// the gateway may send the raw token without a scheme
		got := strings.TrimPrefix(authHeader, "Bearer ")
		if got != token {
			log.WithField("path", c.Path()).Warn("Invalid gateway token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}
		return c.Next()
	}
}
