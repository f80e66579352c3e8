// Package conformance holds behaviour tests shared by every Store and
// BlobStore implementation.
package conformance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/model"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// Store runs the store suite. open must return an empty, migrated store.
func Store(t *testing.T, open func(t *testing.T) registrystore.Store) {
	t.Run("conversation get-or-create", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		a, err := s.GetOrCreateConversation(ctx, "conv")
		require.NoError(t, err)
		b, err := s.GetOrCreateConversation(ctx, "conv")
		require.NoError(t, err)
		require.Equal(t, a.ID, b.ID)
		require.Equal(t, "conv", b.ID)
	})

	t.Run("append and list", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		_, err := s.GetOrCreateConversation(ctx, "conv")
		require.NoError(t, err)

		first := &model.Message{ConversationID: "conv", Seq: 0, Role: model.RoleUser, Text: "hi", Timestamp: t0,
			Attachments: []model.Attachment{{MimeType: "text/plain", BlobID: "b2"}, {MimeType: "image/png", BlobID: "b1"}}}
		require.NoError(t, s.AppendMessage(ctx, first))
		require.NoError(t, s.AppendMessage(ctx, &model.Message{ConversationID: "conv", Seq: 1, Role: model.RoleAssistant, Text: "hello", Timestamp: t0}))

		msgs, err := s.ListMessages(ctx, "conv")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, "hi", msgs[0].Text)
		require.Equal(t, model.RoleAssistant, msgs[1].Role)
		require.Len(t, msgs[0].Attachments, 2)
		require.Equal(t, "b2", msgs[0].Attachments[0].BlobID, "attachments keep their order")
		require.Equal(t, "b1", msgs[0].Attachments[1].BlobID)
		require.Empty(t, msgs[1].Attachments)
	})

	t.Run("append conflict", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		_, err := s.GetOrCreateConversation(ctx, "conv")
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, &model.Message{ConversationID: "conv", Seq: 0, Role: model.RoleUser, Text: "a", Timestamp: t0}))
		err = s.AppendMessage(ctx, &model.Message{ConversationID: "conv", Seq: 0, Role: model.RoleUser, Text: "b", Timestamp: t0})
		var conflict *registrystore.ConflictError
		require.ErrorAs(t, err, &conflict)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		boom := errors.New("boom")
		err := s.Transaction(ctx, func(tx registrystore.Store) error {
			if _, err := tx.GetOrCreateConversation(ctx, "conv"); err != nil {
				return err
			}
			if err := tx.AppendMessage(ctx, &model.Message{ConversationID: "conv", Seq: 0, Role: model.RoleUser, Text: "a", Timestamp: t0}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		msgs, err := s.ListMessages(ctx, "conv")
		require.NoError(t, err)
		require.Empty(t, msgs)
	})

	t.Run("ensure is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		r1, err := s.EnsureRole(ctx, "member")
		require.NoError(t, err)
		r2, err := s.EnsureRole(ctx, "member")
		require.NoError(t, err)
		require.Equal(t, r1.ID, r2.ID)

		p1, err := s.EnsurePermission(ctx, model.ActionChat)
		require.NoError(t, err)
		p2, err := s.EnsurePermission(ctx, model.ActionChat)
		require.NoError(t, err)
		require.Equal(t, p1.ID, p2.ID)
		require.Equal(t, "chat", p1.Description)

		q1, err := s.EnsureQuota(ctx, model.ActionChat, 10, time.Hour)
		require.NoError(t, err)
		q2, err := s.EnsureQuota(ctx, model.ActionChat, 10, time.Hour)
		require.NoError(t, err)
		q3, err := s.EnsureQuota(ctx, model.ActionChat, 10, 2*time.Hour)
		require.NoError(t, err)
		require.Equal(t, q1.ID, q2.ID)
		require.NotEqual(t, q1.ID, q3.ID)
		require.EqualValues(t, 3600, q1.ResetPeriodSeconds)
	})

	t.Run("memberships", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.AssignRole(ctx, "alice", "zeta"))
		require.NoError(t, s.AssignRole(ctx, "alice", "alpha"))
		require.NoError(t, s.AssignRole(ctx, "alice", "alpha"))
		roles, err := s.ActorRoles(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"alpha", "zeta"}, roles)

		require.NoError(t, s.RevokeRole(ctx, "alice", "zeta"))
		require.NoError(t, s.RevokeRole(ctx, "alice", "never-created"))
		roles, err = s.ActorRoles(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"alpha"}, roles)
	})

	t.Run("grants", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		require.NoError(t, s.GrantRolePermission(ctx, "member", model.ActionChat, model.EffectAllow))
		require.NoError(t, s.GrantRolePermission(ctx, "member", model.ActionChat, model.EffectAllow))
		require.NoError(t, s.GrantRolePermission(ctx, "other", model.ActionChat, model.EffectDeny))
		require.NoError(t, s.GrantActorPermission(ctx, "alice", model.ActionChat, model.EffectDeny))
		require.NoError(t, s.GrantActorPermission(ctx, "bob", model.ActionChat, model.EffectAllow))

		grants, err := s.ListGrants(ctx, "alice", []string{"member"}, model.ActionChat)
		require.NoError(t, err)
		require.Equal(t, []registrystore.Grant{
			{Subject: registrystore.SubjectRole, Name: "member", Effect: model.EffectAllow},
			{Subject: registrystore.SubjectActor, Name: "alice", Effect: model.EffectDeny},
		}, grants)

		require.NoError(t, s.RevokeActorPermission(ctx, "alice", model.ActionChat, model.EffectDeny))
		require.NoError(t, s.RevokeRolePermission(ctx, "member", model.ActionChat, model.EffectAllow))
		grants, err = s.ListGrants(ctx, "alice", []string{"member"}, model.ActionChat)
		require.NoError(t, err)
		require.Empty(t, grants)

		grants, err = s.ListGrants(ctx, "", nil, model.ActionWeather)
		require.NoError(t, err)
		require.Empty(t, grants)
	})

	t.Run("allocations", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		_, err := s.SetRoleQuota(ctx, "small", model.ActionChat, 5, time.Hour)
		require.NoError(t, err)
		_, err = s.SetRoleQuota(ctx, "large", model.ActionChat, 50, time.Hour)
		require.NoError(t, err)
		_, err = s.SetRoleQuota(ctx, "small", model.ActionChat, 7, time.Hour)
		require.NoError(t, err)

		alloc, err := s.ResolveAllocation(ctx, "alice", []string{"small"}, model.ActionChat)
		require.NoError(t, err)
		require.EqualValues(t, 7, alloc.Quota.Limit, "setting a quota again replaces it")

		alloc, err = s.ResolveAllocation(ctx, "alice", []string{"small", "large", "missing"}, model.ActionChat)
		require.NoError(t, err)
		require.Equal(t, "large", alloc.Name)

		_, err = s.SetActorQuota(ctx, "alice", model.ActionChat, 1, time.Minute)
		require.NoError(t, err)
		alloc, err = s.ResolveAllocation(ctx, "alice", []string{"large"}, model.ActionChat)
		require.NoError(t, err)
		require.Equal(t, registrystore.SubjectActor, alloc.Subject)
		require.EqualValues(t, 60, alloc.Quota.ResetPeriodSeconds)

		require.NoError(t, s.ClearActorQuota(ctx, "alice", model.ActionChat))
		require.NoError(t, s.ClearRoleQuota(ctx, "large", model.ActionChat))
		alloc, err = s.ResolveAllocation(ctx, "alice", []string{"large"}, model.ActionChat)
		require.NoError(t, err)
		require.Nil(t, alloc)
	})

	t.Run("usage counters", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		u, err := s.GetOrCreateUsage(ctx, "alice", model.ActionChat, t0)
		require.NoError(t, err)
		require.Zero(t, u.CurrentValue)
		require.True(t, u.LastReset.Equal(t0))

		require.NoError(t, s.AddUsage(ctx, "alice", model.ActionChat, 2))
		ok, err := s.ReserveUsage(ctx, "alice", model.ActionChat, 1, 3)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.ReserveUsage(ctx, "alice", model.ActionChat, 1, 3)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.ReleaseUsage(ctx, "alice", model.ActionChat, 10))
		u, err = s.GetOrCreateUsage(ctx, "alice", model.ActionChat, t0)
		require.NoError(t, err)
		require.Zero(t, u.CurrentValue, "release never goes negative")

		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, s.AddUsage(ctx, "nobody", model.ActionChat, 1), &notFound)

		later := t0.Add(time.Hour)
		won, err := s.ResetUsage(ctx, "alice", model.ActionChat, later.Add(-time.Minute), later)
		require.NoError(t, err)
		require.True(t, won)
		won, err = s.ResetUsage(ctx, "alice", model.ActionChat, later.Add(-time.Minute), later)
		require.NoError(t, err)
		require.False(t, won)
	})

	t.Run("toggles", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		tg, err := s.GetOrCreateToggle(ctx, model.ActionWeather)
		require.NoError(t, err)
		require.True(t, tg.Enabled)

		require.NoError(t, s.SetToggle(ctx, model.ActionWeather, false))
		tg, err = s.GetOrCreateToggle(ctx, model.ActionWeather)
		require.NoError(t, err)
		require.False(t, tg.Enabled)

		require.NoError(t, s.SetToggle(ctx, model.ActionMapsSearch, false))
		tg, err = s.GetOrCreateToggle(ctx, model.ActionMapsSearch)
		require.NoError(t, err)
		require.False(t, tg.Enabled)
	})
}

// Blob runs the blob store suite against a store with no blobs.
func Blob(t *testing.T, open func(t *testing.T) registryblob.BlobStore) {
	t.Run("put is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		written, err := s.Put(ctx, "blob-1", []byte("first"))
		require.NoError(t, err)
		require.True(t, written)
		written, err = s.Put(ctx, "blob-1", []byte("second"))
		require.NoError(t, err)
		require.False(t, written)

		data, err := s.Get(ctx, "blob-1")
		require.NoError(t, err)
		require.Equal(t, []byte("first"), data)
	})

	t.Run("missing reads as nil", func(t *testing.T) {
		s := open(t)
		data, err := s.Get(context.Background(), "missing")
		require.NoError(t, err)
		require.Nil(t, data)
	})

	t.Run("binary round trip", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		payload := []byte{0, 1, 2, 0xff, 0xfe, '\n'}
		_, err := s.Put(ctx, "bin", payload)
		require.NoError(t, err)
		data, err := s.Get(ctx, "bin")
		require.NoError(t, err)
		require.Equal(t, payload, data)
		require.NotEmpty(t, s.BasePath())
	})
}
