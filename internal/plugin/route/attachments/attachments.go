package attachments

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/attachment"
	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/route/routeutil"
	registryroute "github.com/chirino/chat-ledger/internal/registry/route"
	"github.com/chirino/chat-ledger/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

type uploadRequest struct {
	URI string `json:"uri" binding:"required"`
}

// MountRoutes mounts attachment upload and download routes.
func MountRoutes(r *gin.Engine, store *attachment.Store, actions *authz.AuthorizedAction, auth gin.HandlersChain, logger *log.Logger) {
	g := r.Group("/v1", auth...)

	g.POST("/attachments", func(c *gin.Context) {
		upload(c, store, actions, logger)
	})
	g.GET("/attachments/:blobId", func(c *gin.Context) {
		download(c, store, actions, logger)
	})
}

func upload(c *gin.Context, store *attachment.Store, actions *authz.AuthorizedAction, logger *log.Logger) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err.Error())
		return
	}
	att, err := authz.RunValue(c.Request.Context(), actions, security.ActorFromContext(c), model.ActionAttachmentUpload,
		func(ctx context.Context) (*model.Attachment, error) {
			return store.Parse(ctx, req.URI)
		}, authz.Overrides{})
	if err != nil {
		routeutil.HandleError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}

// validBlobID accepts the hex sha256 ids produced by attachment.BlobID.
func validBlobID(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func download(c *gin.Context, store *attachment.Store, actions *authz.AuthorizedAction, logger *log.Logger) {
	id := c.Param("blobId")
	if !validBlobID(id) {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "attachment not found"})
		return
	}
	data, err := authz.RunValue(c.Request.Context(), actions, security.ActorFromContext(c), model.ActionConversationRead,
		func(ctx context.Context) ([]byte, error) {
			return store.Read(ctx, id)
		}, authz.Overrides{SkipQuota: true})
	if err != nil {
		routeutil.HandleError(c, logger, err)
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "attachment not found"})
		return
	}
	c.Header("Cache-Control", "private, max-age=31536000, immutable")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}
