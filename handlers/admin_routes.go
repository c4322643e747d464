package handlers

import (
	"gamebattle-orchestrator/middleware"
	"gamebattle-orchestrator/services"

	"github.com/gofiber/fiber/v2"
)

// SetupAdminRoutes mounts the admin-only routes.
func SetupAdminRoutes(r fiber.Router, d Deps) {
	admin := r.Group("/admin", middleware.RequireAdmin())

	admin.Get("/admins", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"admins": d.Config.Admins()})
	})

	admin.Get("/reports/:game_id", func(c *fiber.Ctx) error {
		reports, err := d.Reports.ForGame(c.UserContext(), c.Params("game_id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"game_id": c.Params("game_id"), "reports": reports})
	})

	admin.Get("/stats", func(c *fiber.Ctx) error {
		rows, err := d.Stats.Games(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"games": rows})
	})

	admin.Get("/stats.csv", func(c *fiber.Ctx) error {
		rows, err := d.Stats.Games(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		c.Set(fiber.HeaderContentType, "text/csv; charset=utf-8")
		c.Set(fiber.HeaderContentDisposition, `attachment; filename="stats.csv"`)
		return services.WriteStatsCSV(c, rows)
	})
}
