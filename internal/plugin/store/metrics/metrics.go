package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
)

// Wrap returns a Store that records StoreLatency for every operation,
// including operations issued inside transactions.
func Wrap(inner store.Store) store.Store {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.Store
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	defer observe("transaction", time.Now())
	return m.inner.Transaction(ctx, func(tx store.Store) error {
		return fn(&metricsStore{inner: tx})
	})
}

func (m *metricsStore) GetOrCreateConversation(ctx context.Context, id string) (*model.Conversation, error) {
	defer observe("get_or_create_conversation", time.Now())
	return m.inner.GetOrCreateConversation(ctx, id)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID)
}

func (m *metricsStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, msg)
}

func (m *metricsStore) EnsureRole(ctx context.Context, name string) (*model.Role, error) {
	defer observe("ensure_role", time.Now())
	return m.inner.EnsureRole(ctx, name)
}

func (m *metricsStore) EnsurePermission(ctx context.Context, actionID int) (*model.Permission, error) {
	defer observe("ensure_permission", time.Now())
	return m.inner.EnsurePermission(ctx, actionID)
}

func (m *metricsStore) EnsureQuota(ctx context.Context, actionID int, limit int64, period time.Duration) (*model.Quota, error) {
	defer observe("ensure_quota", time.Now())
	return m.inner.EnsureQuota(ctx, actionID, limit, period)
}

func (m *metricsStore) AssignRole(ctx context.Context, actorID, role string) error {
	defer observe("assign_role", time.Now())
	return m.inner.AssignRole(ctx, actorID, role)
}

func (m *metricsStore) RevokeRole(ctx context.Context, actorID, role string) error {
	defer observe("revoke_role", time.Now())
	return m.inner.RevokeRole(ctx, actorID, role)
}

func (m *metricsStore) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	defer observe("actor_roles", time.Now())
	return m.inner.ActorRoles(ctx, actorID)
}

func (m *metricsStore) GrantRolePermission(ctx context.Context, role string, actionID int, effect model.Effect) error {
	defer observe("grant_role_permission", time.Now())
	return m.inner.GrantRolePermission(ctx, role, actionID, effect)
}

func (m *metricsStore) RevokeRolePermission(ctx context.Context, role string, actionID int, effect model.Effect) error {
	defer observe("revoke_role_permission", time.Now())
	return m.inner.RevokeRolePermission(ctx, role, actionID, effect)
}

func (m *metricsStore) GrantActorPermission(ctx context.Context, actorID string, actionID int, effect model.Effect) error {
	defer observe("grant_actor_permission", time.Now())
	return m.inner.GrantActorPermission(ctx, actorID, actionID, effect)
}

func (m *metricsStore) RevokeActorPermission(ctx context.Context, actorID string, actionID int, effect model.Effect) error {
	defer observe("revoke_actor_permission", time.Now())
	return m.inner.RevokeActorPermission(ctx, actorID, actionID, effect)
}

func (m *metricsStore) ListGrants(ctx context.Context, actorID string, roles []string, actionID int) ([]store.Grant, error) {
	defer observe("list_grants", time.Now())
	return m.inner.ListGrants(ctx, actorID, roles, actionID)
}

func (m *metricsStore) SetRoleQuota(ctx context.Context, role string, actionID int, limit int64, period time.Duration) (*model.Quota, error) {
	defer observe("set_role_quota", time.Now())
	return m.inner.SetRoleQuota(ctx, role, actionID, limit, period)
}

func (m *metricsStore) SetActorQuota(ctx context.Context, actorID string, actionID int, limit int64, period time.Duration) (*model.Quota, error) {
	defer observe("set_actor_quota", time.Now())
	return m.inner.SetActorQuota(ctx, actorID, actionID, limit, period)
}

func (m *metricsStore) ClearRoleQuota(ctx context.Context, role string, actionID int) error {
	defer observe("clear_role_quota", time.Now())
	return m.inner.ClearRoleQuota(ctx, role, actionID)
}

func (m *metricsStore) ClearActorQuota(ctx context.Context, actorID string, actionID int) error {
	defer observe("clear_actor_quota", time.Now())
	return m.inner.ClearActorQuota(ctx, actorID, actionID)
}

func (m *metricsStore) ResolveAllocation(ctx context.Context, actorID string, roles []string, actionID int) (*store.Allocation, error) {
	defer observe("resolve_allocation", time.Now())
	return m.inner.ResolveAllocation(ctx, actorID, roles, actionID)
}

func (m *metricsStore) GetOrCreateUsage(ctx context.Context, actorID string, actionID int, now time.Time) (*model.QuotaUsage, error) {
	defer observe("get_or_create_usage", time.Now())
	return m.inner.GetOrCreateUsage(ctx, actorID, actionID, now)
}

func (m *metricsStore) ResetUsage(ctx context.Context, actorID string, actionID int, cutoff, now time.Time) (bool, error) {
	defer observe("reset_usage", time.Now())
	return m.inner.ResetUsage(ctx, actorID, actionID, cutoff, now)
}

func (m *metricsStore) AddUsage(ctx context.Context, actorID string, actionID int, amount int64) error {
	defer observe("add_usage", time.Now())
	return m.inner.AddUsage(ctx, actorID, actionID, amount)
}

func (m *metricsStore) ReserveUsage(ctx context.Context, actorID string, actionID int, amount, limit int64) (bool, error) {
	defer observe("reserve_usage", time.Now())
	return m.inner.ReserveUsage(ctx, actorID, actionID, amount, limit)
}

func (m *metricsStore) ReleaseUsage(ctx context.Context, actorID string, actionID int, amount int64) error {
	defer observe("release_usage", time.Now())
	return m.inner.ReleaseUsage(ctx, actorID, actionID, amount)
}

func (m *metricsStore) GetOrCreateToggle(ctx context.Context, actionID int) (*model.ActionToggle, error) {
	defer observe("get_or_create_toggle", time.Now())
	return m.inner.GetOrCreateToggle(ctx, actionID)
}

func (m *metricsStore) SetToggle(ctx context.Context, actionID int, enabled bool) error {
	defer observe("set_toggle", time.Now())
	return m.inner.SetToggle(ctx, actionID, enabled)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
