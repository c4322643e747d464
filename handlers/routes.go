package handlers

import (
	"gamebattle-orchestrator/config"
	"gamebattle-orchestrator/middleware"
	"gamebattle-orchestrator/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Deps are the services the HTTP surface is wired to.
type Deps struct {
	Config      config.Config
	Games       *services.CatalogService
	Sessions    *services.SessionService
	Competition *services.CompetitionService
	Reports     *services.ReportService
	Stats       *services.StatsService
	// Auth validates websocket query tokens; nil accepts gateway headers only.
	Auth *services.AuthServiceClient
	Log  logrus.FieldLogger
}

// SetupRoutes mounts every route on app.
func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"instance": d.Config.InstanceID,
			"sessions": d.Sessions.Live(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	isAdmin := middleware.AdminChecker(d.Config.IsAdmin)
	// registered ahead of the secured group: query-token upgrades carry no
	// X-User-ID header
	app.Get("/sessions/:id/ws", middleware.WSAuthMiddleware(d.Auth, isAdmin, d.Log), wsPreflight(d), wsSession(d))

	secured := app.Group("/", middleware.UserContextMiddleware(isAdmin, d.Log))
	SetupGameRoutes(secured, d)
	SetupProgressionRoutes(secured, d)
	SetupAdminRoutes(secured, d)
}

// GatewayExempt reports whether a request skips the gateway token check:
// health and metrics scrapes, and websocket upgrades that carry an end-user
// token for the auth service.
func GatewayExempt(d Deps) func(c *fiber.Ctx) bool {
	return func(c *fiber.Ctx) bool {
		switch c.Path() {
		case "/health", "/metrics":
			return true
		}
		return d.Auth != nil && websocket.IsWebSocketUpgrade(c) && c.Query("token") != ""
	}
}
