// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Config is the orchestrator configuration. It is parsed once at startup and
// passed by value to the services that need it; nothing mutates it afterwards.
type Config struct {
	HTTPAddr            string   `env:"HTTP_ADDR" envDefault:":5200"`
	GatewayToken        string   `env:"GATEWAY_TOKEN"`
	GatewayAuthDisabled bool     `env:"GATEWAY_AUTH_DISABLED" envDefault:"false"`
	AuthServiceURL      string   `env:"AUTH_SERVICE_URL"`
	AllowedOrigins      []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	InstanceID          string   `env:"INSTANCE_ID"`
	LogLevel            string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat           string   `env:"LOG_FORMAT" envDefault:"text"`

	GamesPath string `env:"GAMES_PATH" envDefault:"./games"`
	// CatalogReload rescans GamesPath periodically; zero disables.
	CatalogReload time.Duration `env:"CATALOG_RELOAD" envDefault:"0s"`

	SandboxRuntime       string        `env:"SANDBOX_RUNTIME" envDefault:"docker"`
	SandboxWorkDir       string        `env:"SANDBOX_WORK_DIR" envDefault:"/tmp/gamebattle"`
	SandboxMaxLive       int64         `env:"SANDBOX_MAX_LIVE" envDefault:"64"`
	SandboxCPUFraction   float64       `env:"SANDBOX_CPU_FRACTION" envDefault:"0.1"`
	SandboxMemoryMB      int64         `env:"SANDBOX_MEMORY_MB" envDefault:"40"`
	SandboxPidsLimit     int64         `env:"SANDBOX_PIDS_LIMIT" envDefault:"64"`
	SandboxMaxLifetime   time.Duration `env:"SANDBOX_MAX_LIFETIME" envDefault:"1h"`
	SandboxStopGrace     time.Duration `env:"SANDBOX_STOP_GRACE" envDefault:"5s"`
	SandboxLaunchTimeout time.Duration `env:"SANDBOX_LAUNCH_TIMEOUT" envDefault:"30s"`
	DockerNetwork        string        `env:"DOCKER_NETWORK" envDefault:"none"`

	MaxSessionsPerUser int           `env:"MAX_SESSIONS_PER_USER" envDefault:"1"`
	ClientIdleGrace    time.Duration `env:"CLIENT_IDLE_GRACE" envDefault:"2m"`
	SessionRetention   time.Duration `env:"SESSION_RETENTION" envDefault:"1h"`
	ReaperInterval     time.Duration `env:"REAPER_INTERVAL" envDefault:"15s"`

	BridgeReplayBytes int           `env:"BRIDGE_REPLAY_BYTES" envDefault:"262144"`
	BridgeDropAfter   time.Duration `env:"BRIDGE_DROP_AFTER" envDefault:"2s"`
	BridgeInputQueue  int           `env:"BRIDGE_INPUT_QUEUE" envDefault:"64"`

	StoreBackend         string        `env:"STORE_BACKEND" envDefault:"redis"`
	RedisAddr            string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword        string        `env:"REDIS_PASSWORD"`
	RedisDB              int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix          string        `env:"REDIS_PREFIX" envDefault:"gamebattle:"`
	StoreOpTimeout       time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"2s"`
	StoreRetryMaxTries   uint          `env:"STORE_RETRY_MAX_TRIES" envDefault:"5"`
	StoreRetryMaxElapsed time.Duration `env:"STORE_RETRY_MAX_ELAPSED" envDefault:"10s"`
	LockLease            time.Duration `env:"LOCK_LEASE" envDefault:"10s"`

	CompetitionEnabled bool   `env:"ENABLE_COMPETITION" envDefault:"false"`
	ScoreWebhookURL    string `env:"SCORE_WEBHOOK_URL"`
	ReportWebhookURL   string `env:"REPORT_WEBHOOK_URL"`
	WebhookMaxRetries  uint   `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
	WebhookTimeout     time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	AdminIDs []string `env:"ADMIN_IDS" envSeparator:","`

	DatabaseURL string `env:"DATABASE_URL"`

	CloudflareAccountID string `env:"CLOUDFLARE_ACCOUNT_ID"`
	R2AccessKeyID       string `env:"R2_ACCESS_KEY_ID"`
	R2AccessKeySecret   string `env:"R2_ACCESS_KEY_SECRET"`
	R2Bucket            string `env:"R2_BUCKET_NAME"`
	CDNBaseURL          string `env:"CDN_BASE_URL"`

	admins map[string]struct{}
}

// Load parses the process environment. Call godotenv.Load before it so .env
// values are visible.
func Load() (Config, error) {
	return parse(env.Options{})
}

// Default returns the configuration built from defaults only, ignoring the
// process environment.
func Default() Config {
	cfg, err := parse(env.Options{Environment: map[string]string{"GATEWAY_AUTH_DISABLED": "true"}})
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromMap parses the given variables instead of the process environment.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "orchestrator"
		}
		cfg.InstanceID = host
	}
	cfg.admins = make(map[string]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			cfg.admins[id] = struct{}{}
		}
	}
	cfg.AdminIDs = nil
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if !c.GatewayAuthDisabled && c.GatewayToken == "" {
		errs = append(errs, errors.New("GATEWAY_TOKEN is required unless GATEWAY_AUTH_DISABLED=true"))
	}
	switch c.SandboxRuntime {
	case "docker", "process":
	default:
		errs = append(errs, fmt.Errorf("SANDBOX_RUNTIME must be docker or process, got %q", c.SandboxRuntime))
	}
	switch c.StoreBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be redis or memory, got %q", c.StoreBackend))
	}
	if c.MaxSessionsPerUser < 1 {
		errs = append(errs, errors.New("MAX_SESSIONS_PER_USER must be at least 1"))
	}
	if c.SandboxMaxLifetime <= 0 {
		errs = append(errs, errors.New("SANDBOX_MAX_LIFETIME must be positive"))
	}
	if c.SandboxMaxLive < 1 {
		errs = append(errs, errors.New("SANDBOX_MAX_LIVE must be at least 1"))
	}
	if c.BridgeReplayBytes < 1024 {
		errs = append(errs, errors.New("BRIDGE_REPLAY_BYTES must be at least 1024"))
	}
	if c.BridgeInputQueue < 1 {
		errs = append(errs, errors.New("BRIDGE_INPUT_QUEUE must be at least 1"))
	}
	return errors.Join(errs...)
}

// IsAdmin reports whether the identity is on the admin allow-list.
func (c Config) IsAdmin(userID string) bool {
	_, ok := c.admins[userID]
	return ok
}

// Admins returns a sorted copy of the allow-list.
func (c Config) Admins() []string {
	out := make([]string, 0, len(c.admins))
	for id := range c.admins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WithAdmins returns a copy of c whose allow-list is exactly ids.
func (c Config) WithAdmins(ids ...string) Config {
	c.admins = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.admins[id] = struct{}{}
	}
	return c
}

// R2Enabled reports whether transcript uploads are configured.
func (c Config) R2Enabled() bool {
	return c.CloudflareAccountID != "" && c.R2Bucket != "" && c.R2AccessKeyID != ""
}

// NewLogger builds the root logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
