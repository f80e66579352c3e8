package authz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/cache/local"
	"github.com/chirino/chat-ledger/internal/plugin/store/gormstore"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

type fixture struct {
	store   *gormstore.Store
	clock   *clock.Fake
	perms   *PermissionEngine
	quotas  *QuotaEngine
	gate    *ActionGate
	actions *AuthorizedAction
}

func newFixture(t *testing.T, opts PermissionOptions) *fixture {
	t.Helper()
	s := teststore.New(t)
	clk := clock.NewFake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	f := &fixture{
		store:  s,
		clock:  clk,
		perms:  NewPermissionEngine(s, opts),
		quotas: NewQuotaEngine(s, clk, nil),
		gate:   NewActionGate(s, nil, 0, nil),
	}
	f.actions = NewAuthorizedAction(f.gate, f.perms, f.quotas, nil)
	return f
}

func alice(roles ...string) *model.Actor { return &model.Actor{ID: "alice", Roles: roles} }

// --- PermissionEngine ---

func TestResolveAnonymousAllowsByDefault(t *testing.T) {
	f := newFixture(t, PermissionOptions{})
	ok, err := f.perms.Resolve(context.Background(), nil, model.ActionChat)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResolveAnonymousRolePolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{AnonymousPolicy: config.AnonymousRole, AnonymousRole: "anonymous"})

	ok, err := f.perms.Resolve(ctx, &model.Actor{}, model.ActionChat)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.store.GrantRolePermission(ctx, "anonymous", model.ActionChat, model.EffectAllow))
	ok, err = f.perms.Resolve(ctx, nil, model.ActionChat)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResolveDefaultDeny(t *testing.T) {
	f := newFixture(t, PermissionOptions{})
	ok, err := f.perms.Resolve(context.Background(), alice("member"), model.ActionChat)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveRoleDenyBeatsActorAllow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	require.NoError(t, f.store.GrantRolePermission(ctx, "restricted", model.ActionWeather, model.EffectDeny))
	require.NoError(t, f.store.GrantActorPermission(ctx, "alice", model.ActionWeather, model.EffectAllow))

	ok, err := f.perms.Resolve(ctx, alice("restricted"), model.ActionWeather)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveActorDenyBeatsRoleAllow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	require.NoError(t, f.store.GrantRolePermission(ctx, "member", model.ActionChat, model.EffectAllow))
	require.NoError(t, f.store.GrantActorPermission(ctx, "alice", model.ActionChat, model.EffectDeny))

	ok, err := f.perms.Resolve(ctx, alice("member"), model.ActionChat)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveAllowThroughPersistedRole(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	require.NoError(t, f.store.GrantRolePermission(ctx, "member", model.ActionChat, model.EffectAllow))
	require.NoError(t, f.store.AssignRole(ctx, "alice", "member"))

	ok, err := f.perms.Resolve(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.perms.Resolve(ctx, alice(), model.ActionMapsSearch)
	require.NoError(t, err)
	require.False(t, ok, "grants do not leak across actions")
}

func TestResolveAllowAndDenyOnSameSubjectDenies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	require.NoError(t, f.store.GrantActorPermission(ctx, "alice", model.ActionChat, model.EffectAllow))
	require.NoError(t, f.store.GrantActorPermission(ctx, "alice", model.ActionChat, model.EffectDeny))

	ok, err := f.perms.Resolve(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveCreatesRegistryRowsLazily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.perms.Resolve(ctx, alice("newcomer"), model.ActionTransitRoute)
	require.NoError(t, err)

	var roles, perms int64
	require.NoError(t, f.store.DB().Model(&model.Role{}).Where("name = ?", "newcomer").Count(&roles).Error)
	require.NoError(t, f.store.DB().Model(&model.Permission{}).Where("action_id = ?", model.ActionTransitRoute).Count(&perms).Error)
	require.EqualValues(t, 1, roles)
	require.EqualValues(t, 1, perms)

	_, err = f.perms.Resolve(ctx, alice("newcomer"), model.ActionTransitRoute)
	require.NoError(t, err)
	require.NoError(t, f.store.DB().Model(&model.Role{}).Where("name = ?", "newcomer").Count(&roles).Error)
	require.EqualValues(t, 1, roles)
}

func TestDecideTable(t *testing.T) {
	role := func(e model.Effect) registrystore.Grant {
		return registrystore.Grant{Subject: registrystore.SubjectRole, Name: "r", Effect: e}
	}
	actor := func(e model.Effect) registrystore.Grant {
		return registrystore.Grant{Subject: registrystore.SubjectActor, Name: "a", Effect: e}
	}
	allow, deny := model.EffectAllow, model.EffectDeny
	assert.False(t, decide(nil))
	assert.True(t, decide([]registrystore.Grant{role(allow)}))
	assert.True(t, decide([]registrystore.Grant{actor(allow)}))
	assert.False(t, decide([]registrystore.Grant{role(allow), role(deny)}))
	assert.False(t, decide([]registrystore.Grant{actor(allow), role(deny)}))
	assert.False(t, decide([]registrystore.Grant{role(allow), actor(deny)}))
}

// --- QuotaEngine ---

func TestAtLimitUnrestrictedWithoutAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	require.NoError(t, f.quotas.Consume(ctx, alice(), model.ActionChat, 100))

	at, err := f.quotas.AtLimit(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.False(t, at)
}

func TestAtLimitWhenCounterReachesLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 3, time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.quotas.Consume(ctx, alice(), model.ActionChat, 2))
	at, err := f.quotas.AtLimit(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.False(t, at)

	require.NoError(t, f.quotas.Consume(ctx, alice(), model.ActionChat, 1))
	at, err = f.quotas.AtLimit(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.True(t, at)
}

func TestAtLimitResetWinsOverLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 2, 60*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.quotas.Consume(ctx, alice(), model.ActionChat, 5))

	f.clock.Advance(61 * time.Second)
	at, err := f.quotas.AtLimit(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.False(t, at)

	usage, err := f.quotas.GetUsage(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.Zero(t, usage.CurrentValue)
	require.True(t, usage.LastReset.Equal(f.clock.Now()))
}

func TestAtLimitExactlyAtPeriodDoesNotReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 1, 60*time.Second)
	require.NoError(t, err)
	require.NoError(t, f.quotas.Consume(ctx, alice(), model.ActionChat, 1))

	f.clock.Advance(60 * time.Second)
	at, err := f.quotas.AtLimit(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.True(t, at)
}

func TestDailyQuotaScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetRoleQuota(ctx, "member", model.ActionChat, 1, day)
	require.NoError(t, err)
	bob := &model.Actor{ID: "bob", Roles: []string{"member"}}

	require.NoError(t, f.quotas.Consume(ctx, bob, model.ActionChat, 1))
	at, err := f.quotas.AtLimit(ctx, bob, model.ActionChat)
	require.NoError(t, err)
	require.True(t, at)

	f.clock.Advance(day + time.Second)
	at, err = f.quotas.AtLimit(ctx, bob, model.ActionChat)
	require.NoError(t, err)
	require.False(t, at)
	usage, err := f.quotas.GetUsage(ctx, bob, model.ActionChat)
	require.NoError(t, err)
	require.Zero(t, usage.CurrentValue)
}

func TestResetIsIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	t0 := f.clock.Now()
	_, err := f.store.GetOrCreateUsage(ctx, "alice", model.ActionChat, t0)
	require.NoError(t, err)

	later := t0.Add(2 * time.Hour)
	won, err := f.store.ResetUsage(ctx, "alice", model.ActionChat, later.Add(-time.Hour), later)
	require.NoError(t, err)
	require.True(t, won)
	won, err = f.store.ResetUsage(ctx, "alice", model.ActionChat, later.Add(-time.Hour), later)
	require.NoError(t, err)
	require.False(t, won)

	// A reset carrying an earlier instant never moves last_reset backwards.
	won, err = f.store.ResetUsage(ctx, "alice", model.ActionChat, later.Add(time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, won)
	usage, err := f.store.GetOrCreateUsage(ctx, "alice", model.ActionChat, t0)
	require.NoError(t, err)
	require.True(t, usage.LastReset.Equal(later))
}

func TestAllocationPrecedence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetRoleQuota(ctx, "member", model.ActionChat, 10, day)
	require.NoError(t, err)
	_, err = f.store.SetRoleQuota(ctx, "premium", model.ActionChat, 100, day)
	require.NoError(t, err)

	alloc, err := f.quotas.Allocation(ctx, alice("member", "premium"), model.ActionChat)
	require.NoError(t, err)
	require.Equal(t, registrystore.SubjectRole, alloc.Subject)
	require.Equal(t, "premium", alloc.Name)
	require.EqualValues(t, 100, alloc.Quota.Limit)

	_, err = f.store.SetActorQuota(ctx, "alice", model.ActionChat, 5, time.Hour)
	require.NoError(t, err)
	alloc, err = f.quotas.Allocation(ctx, alice("member", "premium"), model.ActionChat)
	require.NoError(t, err)
	require.Equal(t, registrystore.SubjectActor, alloc.Subject)
	require.EqualValues(t, 5, alloc.Quota.Limit)

	require.NoError(t, f.store.ClearActorQuota(ctx, "alice", model.ActionChat))
	alloc, err = f.quotas.Allocation(ctx, alice("member"), model.ActionChat)
	require.NoError(t, err)
	require.EqualValues(t, 10, alloc.Quota.Limit)

	alloc, err = f.quotas.Allocation(ctx, alice("member"), model.ActionWeather)
	require.NoError(t, err)
	require.Nil(t, alloc)
}

func TestAnonymousHasNoCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	require.NoError(t, f.quotas.Consume(ctx, nil, model.ActionChat, 1))
	at, err := f.quotas.AtLimit(ctx, nil, model.ActionChat)
	require.NoError(t, err)
	require.False(t, at)
	usage, err := f.quotas.GetUsage(ctx, nil, model.ActionChat)
	require.NoError(t, err)
	require.Nil(t, usage)
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 2, time.Hour)
	require.NoError(t, err)

	r1, err := f.quotas.Reserve(ctx, alice(), model.ActionChat, 1)
	require.NoError(t, err)
	_, err = f.quotas.Reserve(ctx, alice(), model.ActionChat, 1)
	require.NoError(t, err)
	_, err = f.quotas.Reserve(ctx, alice(), model.ActionChat, 1)
	var exceeded *errdefs.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	require.EqualValues(t, 2, exceeded.Used)
	require.EqualValues(t, 2, exceeded.Limit)

	require.NoError(t, f.quotas.Release(ctx, r1))
	_, err = f.quotas.Reserve(ctx, alice(), model.ActionChat, 1)
	require.NoError(t, err)
	require.NoError(t, f.quotas.Release(ctx, nil))
}

func TestDescribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 7, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.quotas.Consume(ctx, alice(), model.ActionChat, 3))

	u, err := f.quotas.Describe(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.Equal(t, "chat", u.Action)
	require.EqualValues(t, 3, u.CurrentValue)
	require.EqualValues(t, 7, u.Allocation.Quota.Limit)
}

// --- ActionGate ---

func TestGateDefaultsEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	on, err := f.gate.IsEnabled(ctx, model.ActionSpeechToText)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, f.gate.SetEnabled(ctx, model.ActionSpeechToText, false))
	on, err = f.gate.IsEnabled(ctx, model.ActionSpeechToText)
	require.NoError(t, err)
	require.False(t, on)
}

func TestGateReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	c, err := local.New(64)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	gate := NewActionGate(f.store, c, time.Minute, nil)

	on, err := gate.IsEnabled(ctx, model.ActionChat)
	require.NoError(t, err)
	require.True(t, on)
	cached, found, err := c.Get(ctx, model.ActionChat)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, cached)

	// A write through another path is hidden by the cache until it expires.
	require.NoError(t, f.store.SetToggle(ctx, model.ActionChat, false))
	on, err = gate.IsEnabled(ctx, model.ActionChat)
	require.NoError(t, err)
	require.True(t, on)

	// Writes through the gate invalidate.
	require.NoError(t, gate.SetEnabled(ctx, model.ActionChat, false))
	on, err = gate.IsEnabled(ctx, model.ActionChat)
	require.NoError(t, err)
	require.False(t, on)
}

// --- AuthorizedAction ---

func allowAll(t *testing.T, f *fixture, actionID int) {
	t.Helper()
	require.NoError(t, f.store.GrantActorPermission(context.Background(), "alice", actionID, model.EffectAllow))
}

func TestRunChecksInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	called := false
	op := func(context.Context) error { called = true; return nil }

	require.NoError(t, f.gate.SetEnabled(ctx, model.ActionChat, false))
	err := f.actions.Run(ctx, alice(), model.ActionChat, op, Overrides{})
	require.Equal(t, errdefs.KindActionDisabled, errdefs.KindOf(err))
	action, ok := errdefs.ActionOf(err)
	require.True(t, ok)
	require.Equal(t, model.ActionChat, action)

	err = f.actions.Run(ctx, alice(), model.ActionChat, op, Overrides{SkipGate: true})
	require.Equal(t, errdefs.KindNotAuthorized, errdefs.KindOf(err))

	_, err = f.store.SetActorQuota(ctx, "alice", model.ActionChat, 0, day)
	require.NoError(t, err)
	err = f.actions.Run(ctx, alice(), model.ActionChat, op, Overrides{SkipGate: true, SkipPermission: true})
	require.Equal(t, errdefs.KindQuotaExceeded, errdefs.KindOf(err))
	require.False(t, called)

	err = f.actions.Run(ctx, alice(), model.ActionChat, op, Overrides{SkipGate: true, SkipPermission: true, SkipQuota: true})
	require.NoError(t, err)
	require.True(t, called)
}

func TestRunConsumesOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	allowAll(t, f, model.ActionChat)
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 2, day)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.actions.Run(ctx, alice(), model.ActionChat, func(context.Context) error { return boom }, Overrides{})
	require.ErrorIs(t, err, boom)
	usage, err := f.quotas.GetUsage(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.Zero(t, usage.CurrentValue)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.actions.Run(ctx, alice(), model.ActionChat, func(context.Context) error { return nil }, Overrides{}))
	}
	usage, err = f.quotas.GetUsage(ctx, alice(), model.ActionChat)
	require.NoError(t, err)
	require.EqualValues(t, 2, usage.CurrentValue)

	err = f.actions.Run(ctx, alice(), model.ActionChat, func(context.Context) error { return nil }, Overrides{})
	require.Equal(t, errdefs.KindQuotaExceeded, errdefs.KindOf(err))
}

func TestRunCountsUnrestrictedActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	allowAll(t, f, model.ActionWeather)

	require.NoError(t, f.actions.Run(ctx, alice(), model.ActionWeather, func(context.Context) error { return nil }, Overrides{}))
	usage, err := f.quotas.GetUsage(ctx, alice(), model.ActionWeather)
	require.NoError(t, err)
	require.EqualValues(t, 1, usage.CurrentValue)

	require.NoError(t, f.actions.Run(ctx, alice(), model.ActionWeather, func(context.Context) error { return nil }, Overrides{SkipQuota: true}))
	usage, err = f.quotas.GetUsage(ctx, alice(), model.ActionWeather)
	require.NoError(t, err)
	require.EqualValues(t, 1, usage.CurrentValue)
}

func TestRunReleasesReservationWhenCallerCancels(t *testing.T) {
	f := newFixture(t, PermissionOptions{})
	allowAll(t, f, model.ActionChat)
	_, err := f.store.SetActorQuota(context.Background(), "alice", model.ActionChat, 1, day)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = f.actions.Run(ctx, alice(), model.ActionChat, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}, Overrides{})
	require.ErrorIs(t, err, context.Canceled)

	usage, err := f.quotas.GetUsage(context.Background(), alice(), model.ActionChat)
	require.NoError(t, err)
	require.Zero(t, usage.CurrentValue)
	require.NoError(t, f.actions.Run(context.Background(), alice(), model.ActionChat, func(context.Context) error { return nil }, Overrides{}))
}

func TestRunCountsSuccessAfterCallerCancels(t *testing.T) {
	f := newFixture(t, PermissionOptions{})
	allowAll(t, f, model.ActionWeather)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.actions.Run(ctx, alice(), model.ActionWeather, func(context.Context) error {
		cancel()
		return nil
	}, Overrides{}))

	usage, err := f.quotas.GetUsage(context.Background(), alice(), model.ActionWeather)
	require.NoError(t, err)
	require.EqualValues(t, 1, usage.CurrentValue)
}

func TestRunValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	v, err := RunValue(ctx, f.actions, nil, model.ActionChat, func(context.Context) (string, error) {
		return "ok", nil
	}, Overrides{})
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	allowAll(t, f, model.ActionChat)
	require.NoError(t, f.gate.SetEnabled(ctx, model.ActionChat, false))
	v, err = RunValue(ctx, f.actions, alice(), model.ActionChat, func(context.Context) (string, error) {
		return "never", nil
	}, Overrides{})
	require.Error(t, err)
	require.Empty(t, v)
}

func TestRunNeverOverAdmitsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, PermissionOptions{})
	allowAll(t, f, model.ActionChat)
	_, err := f.store.SetActorQuota(ctx, "alice", model.ActionChat, 5, day)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.actions.Run(ctx, alice(), model.ActionChat, func(context.Context) error {
				admitted.Add(1)
				return nil
			}, Overrides{})
			if err != nil {
				assert.Equal(t, errdefs.KindQuotaExceeded, errdefs.KindOf(err))
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 5, admitted.Load())
}
