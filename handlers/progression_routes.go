package handlers

import (
	"errors"

	"gamebattle-orchestrator/middleware"
	"gamebattle-orchestrator/services"

	"github.com/gofiber/fiber/v2"
)

// SetupProgressionRoutes mounts session outcomes, the leaderboard and the
// caller's stats.
func SetupProgressionRoutes(r fiber.Router, d Deps) {
	r.Get("/sessions/:id/outcome", func(c *fiber.Ctx) error {
		id := c.Params("id")
		outcome, err := d.Sessions.Outcome(c.UserContext(), middleware.IdentityFrom(c), id)
		if err != nil {
			return respondError(c, err)
		}
		resp := fiber.Map{"session_id": id, "outcome": outcome}
		if d.Competition.Enabled() {
			rec, err := d.Competition.Record(c.UserContext(), id)
			switch {
			case err == nil:
				resp["competition"] = rec
			case !errors.Is(err, services.ErrNotFound):
				return respondError(c, err)
			}
		}
		return c.JSON(resp)
	})

	r.Get("/stats", func(c *fiber.Ctx) error {
		stats, err := d.Stats.ForUser(c.UserContext(), middleware.IdentityFrom(c).UserID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(stats)
	})

	r.Get("/leaderboard", func(c *fiber.Ctx) error {
		if !d.Competition.Enabled() {
			return respondError(c, services.ErrCompetitionDisabled)
		}
		board, err := d.Competition.Leaderboard(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"entries": board})
	})

	r.Get("/leaderboard/:user_id", func(c *fiber.Ctx) error {
		if !d.Competition.Enabled() {
			return respondError(c, services.ErrCompetitionDisabled)
		}
		entry, err := d.Competition.LeaderboardEntry(c.UserContext(), c.Params("user_id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(entry)
	})
}
