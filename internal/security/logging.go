package security

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs each HTTP request with method, path, status, and duration.
// Paths listed in skipPaths are passed through without logging.
func AccessLogMiddleware(logger *log.Logger, skipPaths ...string) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		actor := "anonymous"
		if a := ActorFromContext(c); a != nil {
			actor = a.ID
		}
		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"actor", actor,
			"clientIP", c.ClientIP(),
		)
	}
}

// AdminAuditMiddleware logs every admin API call with the caller identity.
func AdminAuditMiddleware(logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		c.Next()
		actorID := ""
		if a := ActorFromContext(c); a != nil {
			actorID = a.ID
		}
		logger.Info("Admin audit",
			"actor", actorID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}
