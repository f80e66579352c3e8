package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	EnableH2C         bool
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Anonymous actor policies.
const (
	// AnonymousAllow permits every action for requests without an identity.
	AnonymousAllow = "allow"
	// AnonymousRole resolves anonymous requests as an actor holding only AnonymousRoleName.
	AnonymousRole = "role"
)

// Config holds all configuration for the chat ledger service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the X-Actor-ID header is accepted without an API key.
	Mode string

	LogLevel string

	// Datastore backend type: "postgres" or "sqlite".
	DatastoreType string
	DBURL         string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	DBMaxOpenConns int
	DBMaxIdleConns int

	// Blob store type: "file", "s3", "db" or "mongo".
	BlobType     string
	BlobBasePath string

	// AttachmentMaxSize is the largest decoded attachment payload accepted, in bytes.
	AttachmentMaxSize int64

	// S3
	S3Bucket       string
	S3Prefix       string
	S3UsePathStyle bool

	// MongoDB (GridFS blob store)
	MongoURL      string
	MongoDatabase string

	// Toggle cache type: "none", "local" or "redis".
	CacheType      string
	RedisURL       string
	CacheToggleTTL time.Duration
	// CacheLocalMaxItems bounds the in-process toggle cache.
	CacheLocalMaxItems int64

	// Chat model collaborator: "echo" or "openai".
	ModelType       string
	OpenAIAPIKey    string
	OpenAIModelName string
	OpenAIBaseURL   string
	OpenAITimeout   time.Duration

	// Authorization
	AnonymousPolicy   string
	AnonymousRoleName string

	// Security
	// APIKeys maps API key values to actor IDs (CHAT_LEDGER_API_KEYS_<ACTOR>=<key>).
	APIKeys map[string]string
	// ActorRoles maps actor IDs to roles supplied by the identity layer
	// (CHAT_LEDGER_ACTOR_ROLES_<ACTOR>=<role>[,<role>]).
	ActorRoles  map[string][]string
	AdminActors string

	// RateLimit is the per-actor request rate in requests/second; zero disables it.
	RateLimit      float64
	RateLimitBurst int

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener ListenerConfig
	// ManagementListener serves /health, /ready and /metrics on a dedicated
	// port when ManagementListenerEnabled is set.
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool

	CORSEnabled bool
	CORSOrigins string

	// ControllerPoolSize bounds the number of conversations kept hot in memory.
	ControllerPoolSize int64

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		LogLevel:                "info",
		DatastoreType:           "sqlite",
		DBURL:                   "file:chat-ledger.db?_busy_timeout=5000&_fk=1",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		BlobType:                "file",
		BlobBasePath:            "data/blobs",
		AttachmentMaxSize:       10 * 1024 * 1024, // 10 MB
		MongoDatabase:           "chat_ledger",
		CacheType:               "none",
		CacheToggleTTL:          time.Minute,
		CacheLocalMaxItems:      1024,
		ModelType:               "echo",
		OpenAIModelName:         "gpt-4o-mini",
		OpenAIBaseURL:           "https://api.openai.com/v1",
		OpenAITimeout:           60 * time.Second,
		AnonymousPolicy:         AnonymousAllow,
		AnonymousRoleName:       "anonymous",
		MetricsLabels:           "service=chat-ledger",
		RateLimitBurst:          10,
		Listener: ListenerConfig{
			Port:              8080,
			EnableH2C:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			Port:              9090,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ControllerPoolSize: 4096,
		MaxBodySize:        32 * 1024 * 1024, // base64 inflates attachments by ~4/3
		DrainTimeout:       30,
	}
}

// IsAdmin reports whether actorID is listed in AdminActors.
func (c *Config) IsAdmin(actorID string) bool {
	if c == nil || actorID == "" {
		return false
	}
	for _, a := range strings.Split(c.AdminActors, ",") {
		if strings.TrimSpace(a) == actorID {
			return true
		}
	}
	return false
}
