package middleware

import (
	"gamebattle-orchestrator/models"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"
)

// IdentityKey is the fiber local holding the caller's models.Identity.
const IdentityKey = "identity"

// AdminChecker reports whether a user id is on the admin allow-list.
type AdminChecker func(userID string) bool

// UserContextMiddleware reads the caller identity the gateway forwards in
// X-User-ID. Admin rights come from the allow-list only; role headers are
// not trusted for that.
func UserContextMiddleware(isAdmin AdminChecker, log logrus.FieldLogger) fiber.Handler {
	log = log.WithField("component", "access.gate")
	return func(c *fiber.Ctx) error {
		if _, ok := c.Locals(IdentityKey).(models.Identity); ok {
			return c.Next()
		}
		// fasthttp reuses the header buffer once the handler returns
		userID := utils.CopyString(c.Get("X-User-ID"))
		if userID == "" {
			log.WithField("path", c.Path()).Debug("X-User-ID missing on secured route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: request must come through gateway with auth context",
			})
		}
		SetIdentity(c, models.Identity{UserID: userID, IsAdmin: isAdmin(userID)})
		return c.Next()
	}
}

// RequireAdmin rejects callers that are not on the allow-list. It must run
// after UserContextMiddleware.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IdentityFrom(c).IsAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin only"})
		}
		return c.Next()
	}
}

func SetIdentity(c *fiber.Ctx, who models.Identity) {
	c.Locals(IdentityKey, who)
}

// IdentityFrom returns the identity set by the access gate, or the zero
// identity.
func IdentityFrom(c *fiber.Ctx) models.Identity {
	who, _ := c.Locals(IdentityKey).(models.Identity)
	return who
}
