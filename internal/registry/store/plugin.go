package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-ledger/internal/model"
)

// Subject identifies who a grant or quota allocation belongs to.
type Subject string

const (
	SubjectRole  Subject = "role"
	SubjectActor Subject = "actor"
)

// Grant is one permission grant matched for an actor and action.
type Grant struct {
	Subject Subject      `json:"subject"`
	Name    string       `json:"name"`
	Effect  model.Effect `json:"effect"`
}

// Allocation is the quota that applies to an (actor, action) pair.
type Allocation struct {
	Subject Subject     `json:"subject"`
	Name    string      `json:"name"`
	Quota   model.Quota `json:"quota"`
}

// Store is the persistence boundary of the ledger and the authorization core.
// Methods called on the Store passed to a Transaction callback run inside
// that transaction.
type Store interface {
	// Transaction runs fn in one database transaction. Returning an error from
	// fn rolls back every write made through tx.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Conversations and messages.
	GetOrCreateConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	// AppendMessage inserts msg and its attachments. A message already
	// occupying the same (conversation, seq) slot yields a *ConflictError.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// Registry rows, created on first reference.
	EnsureRole(ctx context.Context, name string) (*model.Role, error)
	EnsurePermission(ctx context.Context, actionID int) (*model.Permission, error)
	EnsureQuota(ctx context.Context, actionID int, limit int64, period time.Duration) (*model.Quota, error)

	// Role memberships.
	AssignRole(ctx context.Context, actorID, role string) error
	RevokeRole(ctx context.Context, actorID, role string) error
	ActorRoles(ctx context.Context, actorID string) ([]string, error)

	// Permission grants.
	GrantRolePermission(ctx context.Context, role string, actionID int, effect model.Effect) error
	RevokeRolePermission(ctx context.Context, role string, actionID int, effect model.Effect) error
	GrantActorPermission(ctx context.Context, actorID string, actionID int, effect model.Effect) error
	RevokeActorPermission(ctx context.Context, actorID string, actionID int, effect model.Effect) error
	// ListGrants returns the grants on actionID held by actorID directly or
	// through any of roles. An empty actorID matches role grants only.
	ListGrants(ctx context.Context, actorID string, roles []string, actionID int) ([]Grant, error)

	// Quota allocations.
	SetRoleQuota(ctx context.Context, role string, actionID int, limit int64, period time.Duration) (*model.Quota, error)
	SetActorQuota(ctx context.Context, actorID string, actionID int, limit int64, period time.Duration) (*model.Quota, error)
	ClearRoleQuota(ctx context.Context, role string, actionID int) error
	ClearActorQuota(ctx context.Context, actorID string, actionID int) error
	// ResolveAllocation returns the allocation governing (actorID, actionID):
	// an actor allocation wins over role allocations, and among role
	// allocations the largest limit wins. Nil means unrestricted.
	ResolveAllocation(ctx context.Context, actorID string, roles []string, actionID int) (*Allocation, error)

	// Usage counters.
	GetOrCreateUsage(ctx context.Context, actorID string, actionID int, now time.Time) (*model.QuotaUsage, error)
	// ResetUsage zeroes the counter and moves last_reset to now when
	// last_reset is before cutoff. It reports whether a reset happened.
	ResetUsage(ctx context.Context, actorID string, actionID int, cutoff, now time.Time) (bool, error)
	AddUsage(ctx context.Context, actorID string, actionID int, amount int64) error
	// ReserveUsage adds amount only if the result stays within limit.
	ReserveUsage(ctx context.Context, actorID string, actionID int, amount, limit int64) (bool, error)
	ReleaseUsage(ctx context.Context, actorID string, actionID int, amount int64) error

	// Action toggles.
	GetOrCreateToggle(ctx context.Context, actionID int) (*model.ActionToggle, error)
	SetToggle(ctx context.Context, actionID int, enabled bool) error

	Close() error
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
