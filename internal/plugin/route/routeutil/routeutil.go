// Package routeutil holds the helpers shared by the HTTP route plugins.
package routeutil

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// StatusOf maps an error to the HTTP status it is reported with.
func StatusOf(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.KindInvalidAttachment, errdefs.KindInvalidRole:
		return http.StatusBadRequest
	case errdefs.KindInvalidTurnOrder:
		return http.StatusConflict
	case errdefs.KindActionDisabled:
		return http.StatusServiceUnavailable
	case errdefs.KindNotAuthorized:
		return http.StatusForbidden
	case errdefs.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case errdefs.KindModel:
		return http.StatusBadGateway
	}
	var notFound *registrystore.NotFoundError
	var conflict *registrystore.ConflictError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func codeOf(err error, status int) string {
	if kind := errdefs.KindOf(err); kind != errdefs.KindUnknown {
		return string(kind)
	}
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	}
	return "internal_error"
}

// HandleError writes err as a JSON error body. Internal failures are logged
// and reported without detail.
func HandleError(c *gin.Context, logger *log.Logger, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		if logger != nil {
			logger.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
		}
		c.JSON(status, gin.H{"code": codeOf(err, status), "error": "internal server error"})
		return
	}
	body := gin.H{"code": codeOf(err, status), "error": err.Error()}
	if actionID, ok := errdefs.ActionOf(err); ok {
		body["action"] = model.ActionName(actionID)
	}
	var quota *errdefs.QuotaExceededError
	if errors.As(err, &quota) {
		body["limit"] = quota.Limit
		body["used"] = quota.Used
	}
	c.JSON(status, body)
}

// BadRequest writes a 400 validation error.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": msg})
}

// ParseAction resolves an action path parameter given by name or numeric id.
func ParseAction(raw string) (model.ActionDefinition, bool) {
	if id, err := strconv.Atoi(raw); err == nil {
		return model.LookupAction(id)
	}
	return model.ActionByName(raw)
}
