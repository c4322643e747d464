package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gamebattle-orchestrator/config"
	"gamebattle-orchestrator/handlers"
	"gamebattle-orchestrator/middleware"
	"gamebattle-orchestrator/sandbox"
	"gamebattle-orchestrator/services"
	"gamebattle-orchestrator/store"
	"gamebattle-orchestrator/utils"
	"gamebattle-orchestrator/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log := cfg.NewLogger()
	if envErr != nil {
		log.Warn("⚠️  No .env file found, reading environment variables directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open state store")
	}
	defer st.Close()

	games, err := services.LoadCatalog(cfg.GamesPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load games directory")
	}

	runtime, closeRuntime, err := openRuntime(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize sandbox runtime")
	}
	defer closeRuntime()

	controller := sandbox.NewController(runtime, games, sandbox.Options{
		MaxLive:       cfg.SandboxMaxLive,
		StopGrace:     cfg.SandboxStopGrace,
		LaunchTimeout: cfg.SandboxLaunchTimeout,
	}, log)

	archive, err := openArchive(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}

	var uploader services.TranscriptUploader
	if cfg.R2Enabled() {
		r2, err := utils.NewR2Client(ctx, utils.R2Config{
			AccountID:       cfg.CloudflareAccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			Bucket:          cfg.R2Bucket,
			CDNBaseURL:      cfg.CDNBaseURL,
		})
		if err != nil {
			log.WithError(err).Fatal("failed to initialize R2 client")
		}
		uploader = r2
	}

	httpClient := utils.NewHTTPClient(cfg.WebhookTimeout)
	scoreHook := services.NewWebhookNotifier(cfg.ScoreWebhookURL, "score", httpClient, cfg.WebhookMaxRetries, log)
	reportHook := services.NewWebhookNotifier(cfg.ReportWebhookURL, "report", httpClient, cfg.WebhookMaxRetries, log)

	retry := store.RetryPolicy{MaxTries: cfg.StoreRetryMaxTries, MaxElapsed: cfg.StoreRetryMaxElapsed}
	competition := services.NewCompetitionService(services.CompetitionConfig{
		Enabled:   cfg.CompetitionEnabled,
		LockLease: cfg.LockLease,
		Retry:     retry,
	}, st, services.NewScoringRegistry(games), archive, scoreHook, log)
	sessions := services.NewSessionService(services.SessionConfigFrom(cfg), controller, games, st, competition, archive, log)
	reports := services.NewReportService(sessions, games, archive, uploader, reportHook, log)
	stats := services.NewStatsService(games, archive, competition)

	var authClient *services.AuthServiceClient
	if cfg.AuthServiceURL != "" {
		authClient = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.GatewayToken, log)
	}

	deps := handlers.Deps{
		Config:      cfg,
		Games:       games,
		Sessions:    sessions,
		Competition: competition,
		Reports:     reports,
		Stats:       stats,
		Auth:        authClient,
		Log:         log,
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             1 << 20,
		DisableStartupMessage: true,
		Immutable:             true,
	})
	gatewayToken := cfg.GatewayToken
	if cfg.GatewayAuthDisabled {
		gatewayToken = ""
	}
	app.Use(middleware.GatewayAuthMiddleware(gatewayToken, handlers.GatewayExempt(deps), log))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,DELETE,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-User-ID, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, X-Request-ID, Retry-After",
		AllowCredentials: true,
		MaxAge:           86400,
	}))
	handlers.SetupRoutes(app, deps)

	reaper, err := workers.NewSessionReaper(sessions, games, cfg.ReaperInterval, cfg.CatalogReload, log)
	if err != nil {
		log.WithError(err).Fatal("failed to schedule background jobs")
	}
	reaper.Start()

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.WithError(err).Error("Server error")
			stop()
		}
	}()

	log.Infof("✅ Server running on %s (instance %s)", cfg.HTTPAddr, cfg.InstanceID)
	log.Infof("✅ Sandbox runtime %s, %d games in catalog", runtime.Name(), len(games.List()))
	log.Infof("✅ Competition enabled: %t", competition.Enabled())
	log.Infof("✅ CORS configured for origins: %s", strings.Join(cfg.AllowedOrigins, ","))

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SandboxStopGrace+30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Some sessions did not stop in time")
	}
	controller.StopAll(shutdownCtx)
	if err := reaper.Shutdown(); err != nil {
		log.WithError(err).Warn("Scheduler shutdown failed")
	}
	scoreHook.Wait()
	reportHook.Wait()
	log.Info("✅ Shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		log.Warn("Using in-memory state store; sessions are not shared across instances")
		return store.NewMemoryStore(), nil
	}
	rs := store.NewRedisStore(store.RedisOptions{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Prefix:    cfg.RedisPrefix,
		OpTimeout: cfg.StoreOpTimeout,
	}, log)
	if err := rs.Ping(ctx); err != nil {
		// the store may come back; sessions fail fast until it does
		log.WithError(err).Warn("Redis not reachable at startup")
	}
	return rs, nil
}

func openRuntime(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (sandbox.Runtime, func(), error) {
	if cfg.SandboxRuntime == "process" {
		rt, err := sandbox.NewProcessRuntime(cfg.SandboxWorkDir, log)
		if err != nil {
			return nil, nil, err
		}
		return rt, func() {}, nil
	}
	rt, err := sandbox.NewDockerRuntime(ctx, sandbox.DockerConfig{Network: cfg.DockerNetwork, Instance: cfg.InstanceID}, log)
	if err != nil {
		return nil, nil, err
	}
	if err := rt.RemoveOrphans(ctx); err != nil {
		log.WithError(err).Warn("Could not remove leftover sandboxes")
	}
	return rt, func() { _ = rt.Close() }, nil
}

func openArchive(cfg config.Config, log logrus.FieldLogger) (services.Archive, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, archiving in memory only")
		return services.NewMemoryArchive(), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	archive := services.NewGormArchive(db)
	if err := archive.Migrate(); err != nil {
		return nil, err
	}
	return archive, nil
}
