package conversations

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/conversation"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/route/routeutil"
	registryroute "github.com/chirino/chat-ledger/internal/registry/route"
	"github.com/chirino/chat-ledger/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// maxConversationIDLen bounds the :conversationId path parameter.
const maxConversationIDLen = 255

// MountRoutes mounts conversation routes on the given router.
// Called after store initialization so the controllers are available.
func MountRoutes(r *gin.Engine, controllers *conversation.Pool, actions *authz.AuthorizedAction, auth gin.HandlersChain, logger *log.Logger) {
	g := r.Group("/v1", auth...)

	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		appendMessage(c, controllers, actions, logger)
	})
	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, controllers, actions, logger)
	})
}

func conversationID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("conversationId"))
	if id == "" || len(id) > maxConversationIDLen {
		routeutil.BadRequest(c, "invalid conversation id")
		return "", false
	}
	return id, true
}

func appendMessage(c *gin.Context, controllers *conversation.Pool, actions *authz.AuthorizedAction, logger *log.Logger) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req conversation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err.Error())
		return
	}

	ctl := controllers.Get(id)
	reply, err := authz.RunValue(c.Request.Context(), actions, security.ActorFromContext(c), model.ActionChat,
		func(ctx context.Context) (*model.Message, error) {
			return ctl.Invoke(ctx, req)
		}, authz.Overrides{})
	if err != nil {
		routeutil.HandleError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func listMessages(c *gin.Context, controllers *conversation.Pool, actions *authz.AuthorizedAction, logger *log.Logger) {
	id, ok := conversationID(c)
	if !ok {
		return
	}

	ctl := controllers.Get(id)
	// Reading history is gated and permissioned but never counted.
	messages, err := authz.RunValue(c.Request.Context(), actions, security.ActorFromContext(c), model.ActionConversationRead,
		func(ctx context.Context) ([]model.Message, error) {
			l, err := ctl.Ledger(ctx)
			if err != nil {
				return nil, err
			}
			return l.Messages(), nil
		}, authz.Overrides{SkipQuota: true})
	if err != nil {
		routeutil.HandleError(c, logger, err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "data": messages})
}
