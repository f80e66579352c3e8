package authz

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/security"
)

// Overrides bypass individual checks. They exist for trusted internal
// callers and must never be derived from request input.
type Overrides struct {
	SkipGate       bool
	SkipPermission bool
	// SkipQuota skips both the limit check and the consumption.
	SkipQuota bool
}

// AuthorizedAction runs an operation behind the gate, permission and quota
// checks, in that order.
type AuthorizedAction struct {
	gate        *ActionGate
	permissions *PermissionEngine
	quotas      *QuotaEngine
	logger      *log.Logger
}

// NewAuthorizedAction composes the three checks.
func NewAuthorizedAction(gate *ActionGate, permissions *PermissionEngine, quotas *QuotaEngine, logger *log.Logger) *AuthorizedAction {
	return &AuthorizedAction{gate: gate, permissions: permissions, quotas: quotas, logger: discardIfNil(logger)}
}

// Gate returns the action gate.
func (a *AuthorizedAction) Gate() *ActionGate { return a.gate }

// Quotas returns the quota engine.
func (a *AuthorizedAction) Quotas() *QuotaEngine { return a.quotas }

// Run executes op for actor once every check that is not overridden passes.
//
// One quota unit is reserved before op runs and given back if op fails, so
// usage only grows for successful operations and concurrent callers cannot
// overrun the limit. Unrestricted actions are counted after success.
func (a *AuthorizedAction) Run(ctx context.Context, actor *model.Actor, actionID int, op func(ctx context.Context) error, ov Overrides) error {
	res, err := a.admit(ctx, actor, actionID, ov)
	if err != nil {
		return err
	}

	// Bookkeeping after op must survive a caller that has gone away.
	settleCtx := context.WithoutCancel(ctx)
	if err := op(ctx); err != nil {
		if relErr := a.quotas.Release(settleCtx, res); relErr != nil {
			a.logger.Error("Failed to release quota reservation", "actor", actorID(actor), "action", model.ActionName(actionID), "err", relErr)
		}
		security.RecordDecision(actionID, security.OutcomeFailed)
		return err
	}

	switch {
	case ov.SkipQuota:
	case res != nil:
		security.RecordQuotaUnits(actionID, res.Amount)
	default:
		// The operation already happened; a counting failure is not the caller's.
		if err := a.quotas.Consume(settleCtx, actor, actionID, 1); err != nil {
			a.logger.Error("Failed to record quota usage", "actor", actorID(actor), "action", model.ActionName(actionID), "err", err)
		}
	}
	security.RecordDecision(actionID, security.OutcomeAllowed)
	return nil
}

// RunValue is Run for operations that produce a value.
func RunValue[T any](ctx context.Context, a *AuthorizedAction, actor *model.Actor, actionID int, op func(ctx context.Context) (T, error), ov Overrides) (T, error) {
	var out T
	err := a.Run(ctx, actor, actionID, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, ov)
	return out, err
}

func (a *AuthorizedAction) admit(ctx context.Context, actor *model.Actor, actionID int, ov Overrides) (*Reservation, error) {
	if !ov.SkipGate {
		enabled, err := a.gate.IsEnabled(ctx, actionID)
		if err != nil {
			security.RecordDecision(actionID, security.OutcomeFailed)
			return nil, err
		}
		if !enabled {
			security.RecordDecision(actionID, security.OutcomeDisabled)
			return nil, &errdefs.ActionDisabledError{Action: actionID}
		}
	}

	if !ov.SkipPermission {
		allowed, err := a.permissions.Resolve(ctx, actor, actionID)
		if err != nil {
			security.RecordDecision(actionID, security.OutcomeFailed)
			return nil, err
		}
		if !allowed {
			security.RecordDecision(actionID, security.OutcomeDenied)
			a.logger.Info("Permission denied", "actor", actorID(actor), "action", model.ActionName(actionID))
			return nil, &errdefs.NotAuthorizedError{ActorID: actorID(actor), Action: actionID}
		}
	}

	if ov.SkipQuota {
		return nil, nil
	}
	res, err := a.quotas.Reserve(ctx, actor, actionID, 1)
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindQuotaExceeded {
			security.RecordDecision(actionID, security.OutcomeQuotaExceeded)
			a.logger.Info("Quota exceeded", "actor", actorID(actor), "action", model.ActionName(actionID))
		} else {
			security.RecordDecision(actionID, security.OutcomeFailed)
		}
		return nil, err
	}
	return res, nil
}

func actorID(actor *model.Actor) string {
	if actor.IsAnonymous() {
		return ""
	}
	return actor.ID
}
