// Package authz decides whether an actor may run an action: a global toggle
// per action, allow/deny grants on roles and actors, and windowed quotas.
// AuthorizedAction composes the three checks around an operation.
package authz

import (
	"context"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/model"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
)

func discardIfNil(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard)
	}
	return logger
}

// rolesOf returns the sorted union of the roles asserted on actor and the
// roles persisted for it. Asserted roles get registry rows on first sight.
func rolesOf(ctx context.Context, store registrystore.Store, actor *model.Actor) ([]string, error) {
	var roles []string
	for _, r := range actor.Roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, err := store.EnsureRole(ctx, r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	persisted, err := store.ActorRoles(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	roles = append(roles, persisted...)
	slices.Sort(roles)
	return slices.Compact(roles), nil
}

// PermissionEngine resolves allow/deny decisions from stored grants.
type PermissionEngine struct {
	store    registrystore.Store
	policy   string
	anonRole string
	logger   *log.Logger
}

// PermissionOptions selects how requests without an identity are treated.
type PermissionOptions struct {
	// AnonymousPolicy is config.AnonymousAllow (the default) or
	// config.AnonymousRole.
	AnonymousPolicy string
	// AnonymousRole names the role whose grants apply to anonymous callers
	// under config.AnonymousRole.
	AnonymousRole string
	Logger        *log.Logger
}

// NewPermissionEngine returns an engine reading grants from store.
func NewPermissionEngine(store registrystore.Store, opts PermissionOptions) *PermissionEngine {
	policy := opts.AnonymousPolicy
	if policy == "" {
		policy = config.AnonymousAllow
	}
	return &PermissionEngine{
		store:    store,
		policy:   policy,
		anonRole: opts.AnonymousRole,
		logger:   discardIfNil(opts.Logger),
	}
}

// Resolve reports whether actor may run actionID. Role denies win over
// everything, then actor denies, then any allow. Without an allow the answer
// is no.
func (e *PermissionEngine) Resolve(ctx context.Context, actor *model.Actor, actionID int) (bool, error) {
	var (
		actorID string
		roles   []string
		err     error
	)
	if actor.IsAnonymous() {
		if e.policy != config.AnonymousRole {
			return true, nil
		}
		if _, err := e.store.EnsureRole(ctx, e.anonRole); err != nil {
			return false, err
		}
		roles = []string{e.anonRole}
	} else {
		actorID = actor.ID
		if roles, err = rolesOf(ctx, e.store, actor); err != nil {
			return false, err
		}
	}

	grants, err := e.store.ListGrants(ctx, actorID, roles, actionID)
	if err != nil {
		return false, err
	}
	allowed := decide(grants)
	e.logger.Debug("Resolved permission", "actor", actorID, "action", model.ActionName(actionID), "roles", roles, "allowed", allowed)
	return allowed, nil
}

func decide(grants []registrystore.Grant) bool {
	has := func(subject registrystore.Subject, effect model.Effect) bool {
		return slices.ContainsFunc(grants, func(g registrystore.Grant) bool {
			return g.Subject == subject && g.Effect == effect
		})
	}
	switch {
	case has(registrystore.SubjectRole, model.EffectDeny):
		return false
	case has(registrystore.SubjectActor, model.EffectDeny):
		return false
	case has(registrystore.SubjectRole, model.EffectAllow), has(registrystore.SubjectActor, model.EffectAllow):
		return true
	default:
		return false
	}
}
