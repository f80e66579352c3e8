package authz

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
)

// QuotaEngine enforces windowed usage limits per (actor, action).
//
// Anonymous callers have no counter: they are never at a limit and nothing is
// consumed on their behalf.
type QuotaEngine struct {
	store  registrystore.Store
	clock  clock.Clock
	logger *log.Logger
}

// NewQuotaEngine returns an engine reading allocations and counters from store.
func NewQuotaEngine(store registrystore.Store, clk clock.Clock, logger *log.Logger) *QuotaEngine {
	return &QuotaEngine{store: store, clock: clock.OrReal(clk), logger: discardIfNil(logger)}
}

// Allocation returns the quota that applies to actor for actionID. A direct
// actor allocation overrides role allocations. Nil means unrestricted.
func (q *QuotaEngine) Allocation(ctx context.Context, actor *model.Actor, actionID int) (*registrystore.Allocation, error) {
	if actor.IsAnonymous() {
		return nil, nil
	}
	roles, err := rolesOf(ctx, q.store, actor)
	if err != nil {
		return nil, err
	}
	return q.store.ResolveAllocation(ctx, actor.ID, roles, actionID)
}

// GetUsage returns the actor's counter for actionID, creating it at zero.
// Anonymous actors have no counter and get nil.
func (q *QuotaEngine) GetUsage(ctx context.Context, actor *model.Actor, actionID int) (*model.QuotaUsage, error) {
	if actor.IsAnonymous() {
		return nil, nil
	}
	return q.store.GetOrCreateUsage(ctx, actor.ID, actionID, q.clock.Now())
}

// window is the allocation and counter of one (actor, action) pair after a
// lazy reset.
type window struct {
	alloc *registrystore.Allocation
	usage *model.QuotaUsage
	// elapsed is true when the window had run out, whoever reset it.
	elapsed bool
	// resetHere is true when this call performed the reset.
	resetHere bool
}

// load returns a nil window for unrestricted actions.
func (q *QuotaEngine) load(ctx context.Context, actor *model.Actor, actionID int) (*window, error) {
	alloc, err := q.Allocation(ctx, actor, actionID)
	if err != nil || alloc == nil {
		return nil, err
	}
	now := q.clock.Now()
	usage, err := q.store.GetOrCreateUsage(ctx, actor.ID, actionID, now)
	if err != nil {
		return nil, err
	}
	w := &window{alloc: alloc, usage: usage}
	period := alloc.Quota.ResetPeriod()
	if now.Sub(usage.LastReset) <= period {
		return w, nil
	}
	w.elapsed = true
	if w.resetHere, err = q.store.ResetUsage(ctx, actor.ID, actionID, now.Add(-period), now); err != nil {
		return nil, err
	}
	if w.resetHere {
		q.logger.Debug("Reset quota window", "actor", actor.ID, "action", model.ActionName(actionID), "lastReset", usage.LastReset)
		usage.CurrentValue = 0
		usage.LastReset = now
	}
	return w, nil
}

// AtLimit reports whether actor has used up its allocation for actionID. An
// elapsed window is reset first and then reports false, whatever the counter
// held.
func (q *QuotaEngine) AtLimit(ctx context.Context, actor *model.Actor, actionID int) (bool, error) {
	w, err := q.load(ctx, actor, actionID)
	if err != nil || w == nil || w.elapsed {
		return false, err
	}
	return w.usage.CurrentValue >= w.alloc.Quota.Limit, nil
}

// Consume adds amount to the actor's counter without checking the limit.
func (q *QuotaEngine) Consume(ctx context.Context, actor *model.Actor, actionID int, amount int64) error {
	if actor.IsAnonymous() || amount <= 0 {
		return nil
	}
	if _, err := q.store.GetOrCreateUsage(ctx, actor.ID, actionID, q.clock.Now()); err != nil {
		return err
	}
	if err := q.store.AddUsage(ctx, actor.ID, actionID, amount); err != nil {
		return err
	}
	security.RecordQuotaUnits(actionID, amount)
	return nil
}

// Reservation is quota taken ahead of an operation. Release returns it.
type Reservation struct {
	ActorID  string
	ActionID int
	Amount   int64
}

// Reserve atomically takes amount units when the counter has room for them.
// Concurrent callers never push the counter past the limit. A nil
// reservation with a nil error means the action is unrestricted for actor.
//
// The caller that resets an elapsed window is admitted unconditionally,
// matching AtLimit.
func (q *QuotaEngine) Reserve(ctx context.Context, actor *model.Actor, actionID int, amount int64) (*Reservation, error) {
	w, err := q.load(ctx, actor, actionID)
	if err != nil || w == nil {
		return nil, err
	}
	res := &Reservation{ActorID: actor.ID, ActionID: actionID, Amount: amount}
	if w.resetHere {
		if err := q.store.AddUsage(ctx, actor.ID, actionID, amount); err != nil {
			return nil, err
		}
		return res, nil
	}
	limit := w.alloc.Quota.Limit
	ok, err := q.store.ReserveUsage(ctx, actor.ID, actionID, amount, limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		used := w.usage.CurrentValue
		if fresh, err := q.store.GetOrCreateUsage(ctx, actor.ID, actionID, q.clock.Now()); err == nil {
			used = fresh.CurrentValue
		}
		return nil, &errdefs.QuotaExceededError{ActorID: actor.ID, Action: actionID, Limit: limit, Used: used}
	}
	return res, nil
}

// Release gives back a reservation. A nil reservation is a no-op.
func (q *QuotaEngine) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	return q.store.ReleaseUsage(ctx, res.ActorID, res.ActionID, res.Amount)
}

// Usage describes a counter against its allocation for admin reporting.
type Usage struct {
	ActorID      string                    `json:"actorId"`
	ActionID     int                       `json:"actionId"`
	Action       string                    `json:"action"`
	CurrentValue int64                     `json:"currentValue"`
	LastReset    time.Time                 `json:"lastReset"`
	Allocation   *registrystore.Allocation `json:"allocation,omitempty"`
}

// Describe reports the counter and allocation for actor without resetting
// anything.
func (q *QuotaEngine) Describe(ctx context.Context, actor *model.Actor, actionID int) (*Usage, error) {
	usage, err := q.GetUsage(ctx, actor, actionID)
	if err != nil || usage == nil {
		return nil, err
	}
	alloc, err := q.Allocation(ctx, actor, actionID)
	if err != nil {
		return nil, err
	}
	return &Usage{
		ActorID:      usage.ActorID,
		ActionID:     actionID,
		Action:       model.ActionName(actionID),
		CurrentValue: usage.CurrentValue,
		LastReset:    usage.LastReset,
		Allocation:   alloc,
	}, nil
}
