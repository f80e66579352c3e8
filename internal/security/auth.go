package security

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/gin-gonic/gin"
)

// Gin context keys written by IdentityMiddleware.
const (
	ContextKeyActor   = "actor"
	ContextKeyIsAdmin = "isAdmin"
)

// Request headers understood by the resolver.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRoles = "X-Actor-Roles"
)

var errInvalidAPIKey = errors.New("invalid API key")

// TokenResolver maps request credentials to an actor. Requests without
// credentials resolve to the anonymous actor (nil).
type TokenResolver struct {
	apiKeys     map[string]string
	actorRoles  map[string][]string
	cfg         *config.Config
	testingMode bool
	logger      *log.Logger
}

// NewTokenResolver creates a resolver from the API key and role maps in cfg.
func NewTokenResolver(cfg *config.Config, logger *log.Logger) *TokenResolver {
	if logger == nil {
		logger = log.Default()
	}
	return &TokenResolver{
		apiKeys:     cfg.APIKeys,
		actorRoles:  cfg.ActorRoles,
		cfg:         cfg,
		testingMode: cfg.Mode == config.ModeTesting,
		logger:      logger,
	}
}

// Resolve returns the actor named by apiKey, or in testing mode by the
// actor header. roleHeader is honoured in testing mode only.
func (r *TokenResolver) Resolve(apiKey, actorHeader, roleHeader string) (*model.Actor, error) {
	var actorID string
	if key := strings.TrimSpace(apiKey); key != "" {
		resolved, ok := r.apiKeys[key]
		if !ok && !r.testingMode {
			r.logger.Warn("Received invalid API key")
			return nil, errInvalidAPIKey
		}
		actorID = resolved
	}
	if r.testingMode && actorID == "" {
		actorID = strings.TrimSpace(actorHeader)
	}
	if actorID == "" {
		return nil, nil
	}

	actor := &model.Actor{ID: actorID, Roles: slices.Clone(r.actorRoles[actorID])}
	if r.testingMode {
		for _, role := range strings.Split(roleHeader, ",") {
			if role = strings.TrimSpace(role); role != "" && !slices.Contains(actor.Roles, role) {
				actor.Roles = append(actor.Roles, role)
			}
		}
	}
	return actor, nil
}

// IsAdmin reports whether actor may use the admin API.
func (r *TokenResolver) IsAdmin(actor *model.Actor) bool {
	return !actor.IsAnonymous() && r.cfg.IsAdmin(actor.ID)
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// IdentityMiddleware resolves the caller and stores it on the gin context.
// Anonymous requests pass through; the authorization core decides what they may do.
func IdentityMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			apiKey = bearerToken(c)
		}
		actor, err := resolver.Resolve(apiKey, c.GetHeader(HeaderActorID), c.GetHeader(HeaderActorRoles))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthenticated", "error": err.Error()})
			return
		}
		if actor != nil {
			c.Set(ContextKeyActor, actor)
		}
		c.Set(ContextKeyIsAdmin, resolver.IsAdmin(actor))
		c.Next()
	}
}

// ActorFromContext returns the resolved actor, or nil when anonymous.
func ActorFromContext(c *gin.Context) *model.Actor {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return nil
	}
	actor, _ := v.(*model.Actor)
	return actor
}

// IsAdmin reports whether the caller was resolved as an admin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyIsAdmin)
}

// RequireAdmin rejects callers that are not admin actors.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "admin access required"})
			return
		}
		c.Next()
	}
}
