package handlers

import (
	"gamebattle-orchestrator/middleware"
	"gamebattle-orchestrator/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
)

type createSessionRequest struct {
	GameID string `json:"game_id"`
}

// SetupGameRoutes mounts the catalog and session routes on the secured
// router.
func SetupGameRoutes(r fiber.Router, d Deps) {
	r.Get("/games", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"games": d.Games.List()})
	})

	r.Post("/sessions", func(c *fiber.Ctx) error {
		var req createSessionRequest
		if err := c.BodyParser(&req); err != nil || req.GameID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "game_id is required"})
		}
		rec, err := d.Sessions.CreateOrAttach(c.UserContext(), middleware.IdentityFrom(c), req.GameID)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	})

	r.Get("/sessions", func(c *fiber.Ctx) error {
		list, err := d.Sessions.ListActive(c.UserContext(), middleware.IdentityFrom(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"sessions": list})
	})

	r.Get("/sessions/:id", func(c *fiber.Ctx) error {
		rec, err := d.Sessions.Get(c.UserContext(), middleware.IdentityFrom(c), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(rec)
	})

	r.Delete("/sessions/:id", func(c *fiber.Ctx) error {
		who := middleware.IdentityFrom(c)
		id := c.Params("id")
		if err := d.Sessions.Terminate(c.UserContext(), who, id); err != nil {
			return respondError(c, err)
		}
		rec, err := d.Sessions.Get(c.UserContext(), who, id)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(rec)
	})

	r.Post("/sessions/:id/restart", func(c *fiber.Ctx) error {
		rec, err := d.Sessions.Restart(c.UserContext(), middleware.IdentityFrom(c), c.Params("id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(rec)
	})

	r.Post("/sessions/:id/report", func(c *fiber.Ctx) error {
		var req services.ReportRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid report body"})
		}
		report, err := d.Reports.Submit(c.UserContext(), middleware.IdentityFrom(c), utils.CopyString(c.Params("id")), req)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(report)
	})
}
