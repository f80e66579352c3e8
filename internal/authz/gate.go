package authz

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/model"
	registrycache "github.com/chirino/chat-ledger/internal/registry/cache"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
)

// ActionGate is the global on/off switch per action. Toggles default to
// enabled and are created on first lookup.
type ActionGate struct {
	store  registrystore.Store
	cache  registrycache.ToggleCache
	ttl    time.Duration
	logger *log.Logger
}

// NewActionGate returns a gate reading through cache. A nil cache disables
// caching.
func NewActionGate(store registrystore.Store, cache registrycache.ToggleCache, ttl time.Duration, logger *log.Logger) *ActionGate {
	return &ActionGate{store: store, cache: cache, ttl: ttl, logger: discardIfNil(logger)}
}

func (g *ActionGate) cached() bool { return g.cache != nil && g.cache.Available() }

// IsEnabled reports whether actionID may run at all.
func (g *ActionGate) IsEnabled(ctx context.Context, actionID int) (bool, error) {
	if g.cached() {
		enabled, found, err := g.cache.Get(ctx, actionID)
		switch {
		case err != nil:
			g.logger.Warn("Toggle cache lookup failed", "action", model.ActionName(actionID), "err", err)
		case found:
			security.RecordCacheLookup(true)
			return enabled, nil
		}
		security.RecordCacheLookup(false)
	}

	toggle, err := g.store.GetOrCreateToggle(ctx, actionID)
	if err != nil {
		return false, err
	}
	if g.cached() {
		if err := g.cache.Set(ctx, actionID, toggle.Enabled, g.ttl); err != nil {
			g.logger.Warn("Toggle cache update failed", "action", model.ActionName(actionID), "err", err)
		}
	}
	return toggle.Enabled, nil
}

// SetEnabled flips the switch for actionID and drops any cached state.
func (g *ActionGate) SetEnabled(ctx context.Context, actionID int, enabled bool) error {
	if err := g.store.SetToggle(ctx, actionID, enabled); err != nil {
		return err
	}
	if g.cached() {
		if err := g.cache.Remove(ctx, actionID); err != nil {
			g.logger.Warn("Toggle cache invalidation failed", "action", model.ActionName(actionID), "err", err)
		}
	}
	g.logger.Info("Action toggled", "action", model.ActionName(actionID), "enabled", enabled)
	return nil
}
