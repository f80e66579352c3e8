package serve

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	registrycache "github.com/chirino/chat-ledger/internal/registry/cache"
	registrychatmodel "github.com/chirino/chat-ledger/internal/registry/chatmodel"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/chat-ledger/internal/plugin/blob/dbstore"
	_ "github.com/chirino/chat-ledger/internal/plugin/blob/file"
	_ "github.com/chirino/chat-ledger/internal/plugin/blob/mongostore"
	_ "github.com/chirino/chat-ledger/internal/plugin/blob/s3store"
	_ "github.com/chirino/chat-ledger/internal/plugin/cache/local"
	_ "github.com/chirino/chat-ledger/internal/plugin/cache/noop"
	_ "github.com/chirino/chat-ledger/internal/plugin/cache/redis"
	_ "github.com/chirino/chat-ledger/internal/plugin/chatmodel/echo"
	_ "github.com/chirino/chat-ledger/internal/plugin/chatmodel/openai"
	_ "github.com/chirino/chat-ledger/internal/plugin/route/system"
	_ "github.com/chirino/chat-ledger/internal/plugin/store/postgres"
	_ "github.com/chirino/chat-ledger/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat ledger HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnvCompat(); err != nil {
				return err
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListener.EnableH2C = cfg.Listener.EnableH2C
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), &cfg, logger)
		},
	}
}

func newLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "chat-ledger",
	}), nil
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing trusts the X-Actor-ID header",
		},
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests on shutdown",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors-enabled",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_CORS_ENABLED"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Answer CORS preflight requests",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed origins; empty allows any",
		},
		&cli.Int64Flag{
			Name:        "controller-pool-size",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_LEDGER_CONTROLLER_POOL_SIZE"),
			Destination: &cfg.ControllerPoolSize,
			Value:       cfg.ControllerPoolSize,
			Usage:       "Conversations kept loaded in memory",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_LEDGER_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "h2c",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_LEDGER_H2C"),
			Destination: &cfg.Listener.EnableH2C,
			Value:       cfg.Listener.EnableH2C,
			Usage:       "Accept plaintext HTTP/2 (h2c) alongside HTTP/1.1",
		},
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},

		// ── Database ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_LEDGER_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_LEDGER_DB_URL"),
			Destination: &cfg.DBURL,
			Value:       cfg.DBURL,
			Usage:       "Database connection URL",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_LEDGER_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create or update the schema on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_LEDGER_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CHAT_LEDGER_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_LEDGER_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Toggle cache backend (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_LEDGER_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.Int64Flag{
			Name:        "cache-local-max-items",
			Category:    "Cache:",
			Sources:     cli.EnvVars("CHAT_LEDGER_CACHE_LOCAL_MAX_ITEMS"),
			Destination: &cfg.CacheLocalMaxItems,
			Value:       cfg.CacheLocalMaxItems,
			Usage:       "Entries kept by the local toggle cache",
		},

		// ── Attachment Storage ────────────────────────────────────
		&cli.StringFlag{
			Name:        "blob-kind",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_LEDGER_BLOB_KIND"),
			Destination: &cfg.BlobType,
			Value:       cfg.BlobType,
			Usage:       "Blob store (" + strings.Join(registryblob.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "blob-base-path",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_LEDGER_BLOB_BASE_PATH"),
			Destination: &cfg.BlobBasePath,
			Value:       cfg.BlobBasePath,
			Usage:       "Directory for the file blob store",
		},
		&cli.StringFlag{
			Name:        "blob-s3-bucket",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_LEDGER_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for attachments",
		},
		&cli.StringFlag{
			Name:        "blob-mongo-url",
			Category:    "Attachment Storage:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MONGO_URL"),
			Destination: &cfg.MongoURL,
			Usage:       "MongoDB connection URL for the GridFS blob store",
		},

		// ── Chat Model ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "model-kind",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MODEL_KIND"),
			Destination: &cfg.ModelType,
			Value:       cfg.ModelType,
			Usage:       "Chat model (" + strings.Join(registrychatmodel.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "model-openai-api-key",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MODEL_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.OpenAIAPIKey,
			Usage:       "OpenAI API key",
		},
		&cli.StringFlag{
			Name:        "model-openai-model",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MODEL_OPENAI_MODEL"),
			Destination: &cfg.OpenAIModelName,
			Value:       cfg.OpenAIModelName,
			Usage:       "OpenAI model name",
		},
		&cli.StringFlag{
			Name:        "model-openai-base-url",
			Category:    "Chat Model:",
			Sources:     cli.EnvVars("CHAT_LEDGER_MODEL_OPENAI_BASE_URL"),
			Destination: &cfg.OpenAIBaseURL,
			Value:       cfg.OpenAIBaseURL,
			Usage:       "OpenAI-compatible API base URL",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "anonymous-policy",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_LEDGER_ANONYMOUS_POLICY"),
			Destination: &cfg.AnonymousPolicy,
			Value:       cfg.AnonymousPolicy,
			Usage:       "Treatment of requests without credentials (" + config.AnonymousAllow + "|" + config.AnonymousRole + ")",
		},
		&cli.StringFlag{
			Name:        "anonymous-role",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_LEDGER_ANONYMOUS_ROLE"),
			Destination: &cfg.AnonymousRoleName,
			Value:       cfg.AnonymousRoleName,
			Usage:       "Role whose grants apply to anonymous requests under the role policy",
		},
		&cli.StringFlag{
			Name:        "admin-actors",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_LEDGER_ADMIN_ACTORS"),
			Destination: &cfg.AdminActors,
			Usage:       "Comma-separated actor IDs with access to the admin API",
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_LEDGER_RATE_LIMIT"),
			Destination: &cfg.RateLimit,
			Usage:       "Requests per second per actor (0 disables)",
		},
		&cli.IntFlag{
			Name:        "rate-limit-burst",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("CHAT_LEDGER_RATE_LIMIT_BURST"),
			Destination: &cfg.RateLimitBurst,
			Value:       cfg.RateLimitBurst,
			Usage:       "Burst size of the per-actor rate limiter",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_LEDGER_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	srv, err := StartServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("Shutdown error", "err", err)
	}
	logger.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
