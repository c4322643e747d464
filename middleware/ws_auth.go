package middleware

import (
	"strings"

	"gamebattle-orchestrator/models"
	"gamebattle-orchestrator/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

// WSAuthMiddleware authenticates websocket upgrades. Browsers cannot set the
// gateway's headers on a websocket, so when X-User-ID is absent the
// `token` and `device_id` query parameters are validated with the auth
// service instead. Non-upgrade requests get 426.
func WSAuthMiddleware(authClient *services.AuthServiceClient, isAdmin AdminChecker, log logrus.FieldLogger) fiber.Handler {
	log = log.WithField("component", "access.ws")
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "websocket upgrade required"})
		}
		if userID := utils.CopyString(c.Get("X-User-ID")); userID != "" {
			SetIdentity(c, models.Identity{UserID: userID, IsAdmin: isAdmin(userID)})
			return c.Next()
		}
		if authClient == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing X-User-ID"})
		}

		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))
		if accessToken == "" || deviceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Missing token or device_id in query",
			})
		}

		resp, err := authClient.ValidateToken(c.UserContext(), accessToken, deviceID)
		if err != nil {
			log.WithError(err).WithField("device_id", deviceID).Warn("Websocket token rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		SetIdentity(c, models.Identity{UserID: resp.UserID, IsAdmin: isAdmin(resp.UserID)})
		log.WithFields(logrus.Fields{"user_id": resp.UserID, "device_id": resp.DeviceID}).Debug("Websocket authenticated")
		return c.Next()
	}
}
