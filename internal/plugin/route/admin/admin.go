package admin

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/route/routeutil"
	registryroute "github.com/chirino/chat-ledger/internal/registry/route"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 200,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// maxNameLen bounds role and actor path parameters.
const maxNameLen = 255

type handler struct {
	store  registrystore.Store
	gate   *authz.ActionGate
	quotas *authz.QuotaEngine
	logger *log.Logger
}

// MountRoutes mounts the admin API. Every route requires an admin caller and
// is written to the audit log.
func MountRoutes(r *gin.Engine, store registrystore.Store, gate *authz.ActionGate, quotas *authz.QuotaEngine, auth gin.HandlersChain, logger *log.Logger) {
	h := &handler{store: store, gate: gate, quotas: quotas, logger: logger}
	chain := append(gin.HandlersChain{}, auth...)
	chain = append(chain, security.RequireAdmin(), security.AdminAuditMiddleware(logger))
	g := r.Group("/v1/admin", chain...)

	// Toggles
	g.GET("/actions", h.listActions)
	g.PUT("/actions/:action/toggle", h.setToggle(true))
	g.DELETE("/actions/:action/toggle", h.setToggle(false))

	// Grants
	g.PUT("/roles/:role/permissions/:action/:effect", h.roleGrant(true))
	g.DELETE("/roles/:role/permissions/:action/:effect", h.roleGrant(false))
	g.PUT("/actors/:actor/permissions/:action/:effect", h.actorGrant(true))
	g.DELETE("/actors/:actor/permissions/:action/:effect", h.actorGrant(false))

	// Memberships
	g.GET("/actors/:actor/roles", h.listActorRoles)
	g.PUT("/actors/:actor/roles/:role", h.membership(true))
	g.DELETE("/actors/:actor/roles/:role", h.membership(false))

	// Quotas
	g.PUT("/roles/:role/quotas/:action", h.setRoleQuota)
	g.DELETE("/roles/:role/quotas/:action", h.clearRoleQuota)
	g.PUT("/actors/:actor/quotas/:action", h.setActorQuota)
	g.DELETE("/actors/:actor/quotas/:action", h.clearActorQuota)
	g.GET("/actors/:actor/usage/:action", h.usage)
}

type actionState struct {
	model.ActionDefinition
	Enabled bool `json:"enabled"`
}

func (h *handler) listActions(c *gin.Context) {
	defs := model.Actions()
	out := make([]actionState, 0, len(defs))
	for _, a := range defs {
		enabled, err := h.gate.IsEnabled(c.Request.Context(), a.ID)
		if err != nil {
			routeutil.HandleError(c, h.logger, err)
			return
		}
		out = append(out, actionState{ActionDefinition: a, Enabled: enabled})
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *handler) setToggle(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		action, ok := actionParam(c)
		if !ok {
			return
		}
		if err := h.gate.SetEnabled(c.Request.Context(), action.ID, enabled); err != nil {
			routeutil.HandleError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, actionState{ActionDefinition: action, Enabled: enabled})
	}
}

func (h *handler) roleGrant(grant bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := nameParam(c, "role")
		if !ok {
			return
		}
		action, effect, ok := grantParams(c)
		if !ok {
			return
		}
		var err error
		if grant {
			err = h.store.GrantRolePermission(c.Request.Context(), role, action.ID, effect)
		} else {
			err = h.store.RevokeRolePermission(c.Request.Context(), role, action.ID, effect)
		}
		if err != nil {
			routeutil.HandleError(c, h.logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handler) actorGrant(grant bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := nameParam(c, "actor")
		if !ok {
			return
		}
		action, effect, ok := grantParams(c)
		if !ok {
			return
		}
		var err error
		if grant {
			err = h.store.GrantActorPermission(c.Request.Context(), actor, action.ID, effect)
		} else {
			err = h.store.RevokeActorPermission(c.Request.Context(), actor, action.ID, effect)
		}
		if err != nil {
			routeutil.HandleError(c, h.logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *handler) listActorRoles(c *gin.Context) {
	actor, ok := nameParam(c, "actor")
	if !ok {
		return
	}
	roles, err := h.store.ActorRoles(c.Request.Context(), actor)
	if err != nil {
		routeutil.HandleError(c, h.logger, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"actorId": actor, "roles": roles})
}

func (h *handler) membership(assign bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := nameParam(c, "actor")
		if !ok {
			return
		}
		role, ok := nameParam(c, "role")
		if !ok {
			return
		}
		var err error
		if assign {
			err = h.store.AssignRole(c.Request.Context(), actor, role)
		} else {
			err = h.store.RevokeRole(c.Request.Context(), actor, role)
		}
		if err != nil {
			routeutil.HandleError(c, h.logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type quotaRequest struct {
	Limit              *int64 `json:"limit"`
	ResetPeriodSeconds int64  `json:"resetPeriodSeconds"`
}

func bindQuota(c *gin.Context) (int64, time.Duration, bool) {
	var req quotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err.Error())
		return 0, 0, false
	}
	if req.Limit == nil || *req.Limit < 0 {
		routeutil.BadRequest(c, "limit must be a non-negative integer")
		return 0, 0, false
	}
	if req.ResetPeriodSeconds <= 0 || req.ResetPeriodSeconds > model.MaxResetPeriodSeconds {
		routeutil.BadRequest(c, fmt.Sprintf("resetPeriodSeconds must be between 1 and %d", model.MaxResetPeriodSeconds))
		return 0, 0, false
	}
	return *req.Limit, time.Duration(req.ResetPeriodSeconds) * time.Second, true
}

func (h *handler) setRoleQuota(c *gin.Context) {
	role, ok := nameParam(c, "role")
	if !ok {
		return
	}
	action, ok := actionParam(c)
	if !ok {
		return
	}
	limit, period, ok := bindQuota(c)
	if !ok {
		return
	}
	q, err := h.store.SetRoleQuota(c.Request.Context(), role, action.ID, limit, period)
	if err != nil {
		routeutil.HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *handler) clearRoleQuota(c *gin.Context) {
	role, ok := nameParam(c, "role")
	if !ok {
		return
	}
	action, ok := actionParam(c)
	if !ok {
		return
	}
	if err := h.store.ClearRoleQuota(c.Request.Context(), role, action.ID); err != nil {
		routeutil.HandleError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) setActorQuota(c *gin.Context) {
	actor, ok := nameParam(c, "actor")
	if !ok {
		return
	}
	action, ok := actionParam(c)
	if !ok {
		return
	}
	limit, period, ok := bindQuota(c)
	if !ok {
		return
	}
	q, err := h.store.SetActorQuota(c.Request.Context(), actor, action.ID, limit, period)
	if err != nil {
		routeutil.HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *handler) clearActorQuota(c *gin.Context) {
	actor, ok := nameParam(c, "actor")
	if !ok {
		return
	}
	action, ok := actionParam(c)
	if !ok {
		return
	}
	if err := h.store.ClearActorQuota(c.Request.Context(), actor, action.ID); err != nil {
		routeutil.HandleError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// usage reports the counter and allocation of an actor. Roles asserted by the
// identity layer are not persisted, so callers may pass them as ?roles=a,b.
func (h *handler) usage(c *gin.Context) {
	actorID, ok := nameParam(c, "actor")
	if !ok {
		return
	}
	action, ok := actionParam(c)
	if !ok {
		return
	}
	actor := &model.Actor{ID: actorID}
	for _, r := range strings.Split(c.Query("roles"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			actor.Roles = append(actor.Roles, r)
		}
	}
	u, err := h.quotas.Describe(c.Request.Context(), actor, action.ID)
	if err != nil {
		routeutil.HandleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// --- Helpers ---

func actionParam(c *gin.Context) (model.ActionDefinition, bool) {
	action, ok := routeutil.ParseAction(c.Param("action"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "unknown action " + c.Param("action")})
		return model.ActionDefinition{}, false
	}
	return action, true
}

func grantParams(c *gin.Context) (model.ActionDefinition, model.Effect, bool) {
	action, ok := actionParam(c)
	if !ok {
		return action, "", false
	}
	effect := model.Effect(strings.ToLower(c.Param("effect")))
	if !effect.Valid() {
		routeutil.BadRequest(c, "effect must be allow or deny")
		return action, "", false
	}
	return action, effect, true
}

func nameParam(c *gin.Context, key string) (string, bool) {
	v := strings.TrimSpace(c.Param(key))
	if v == "" || len(v) > maxNameLen {
		routeutil.BadRequest(c, "invalid "+key)
		return "", false
	}
	return v, true
}
