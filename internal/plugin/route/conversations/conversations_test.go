package conversations_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/attachment"
	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/conversation"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/blob/file"
	"github.com/chirino/chat-ledger/internal/plugin/chatmodel/echo"
	"github.com/chirino/chat-ledger/internal/plugin/route/conversations"
	"github.com/chirino/chat-ledger/internal/testutil/testapi"
	"github.com/stretchr/testify/require"
)

var alice = testapi.Caller{ActorID: "alice", Roles: "member"}

func setup(t *testing.T, opts authz.PermissionOptions) *testapi.Env {
	t.Helper()
	env := testapi.New(t, opts)
	pool, err := conversation.NewPool(conversation.Deps{
		Store:       env.Store,
		Attachments: attachment.New(file.New(t.TempDir()), attachment.Options{}),
		Model:       echo.New(),
		Clock:       env.Clock,
	}, 16)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	conversations.MountRoutes(env.Router, pool, env.Actions, env.Auth, nil)

	ctx := context.Background()
	require.NoError(t, env.Store.GrantRolePermission(ctx, "member", model.ActionChat, model.EffectAllow))
	require.NoError(t, env.Store.GrantRolePermission(ctx, "member", model.ActionConversationRead, model.EffectAllow))
	return env
}

type messageList struct {
	ConversationID string          `json:"conversationId"`
	Data           []model.Message `json:"data"`
}

func TestAppendAndListMessages(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "hello"})
	testapi.RequireStatus(t, w, http.StatusOK)
	reply := testapi.DecodeJSON[model.Message](t, w)
	require.Equal(t, model.RoleAssistant, reply.Role)
	require.Equal(t, "hello", reply.Text)
	require.Equal(t, 1, reply.Seq)

	w = env.Do(t, http.MethodGet, "/v1/conversations/c1/messages", alice, nil)
	testapi.RequireStatus(t, w, http.StatusOK)
	list := testapi.DecodeJSON[messageList](t, w)
	require.Equal(t, "c1", list.ConversationID)
	require.Len(t, list.Data, 2)
	require.Equal(t, model.RoleUser, list.Data[0].Role)
	require.Equal(t, "hello", list.Data[0].Text)
}

func TestListUnknownConversationIsEmpty(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})

	w := env.Do(t, http.MethodGet, "/v1/conversations/nobody-home/messages", alice, nil)
	testapi.RequireStatus(t, w, http.StatusOK)
	require.Empty(t, testapi.DecodeJSON[messageList](t, w).Data)
}

func TestAppendWithAttachment(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("notes"))

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice,
		conversation.Request{Text: "see file", Attachments: []string{uri}})
	testapi.RequireStatus(t, w, http.StatusOK)
	require.Equal(t, "see file (1 attachment(s))", testapi.DecodeJSON[model.Message](t, w).Text)

	w = env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice,
		conversation.Request{Text: "bad", Attachments: []string{"http://example.com/x.png"}})
	testapi.RequireStatus(t, w, http.StatusBadRequest)
	require.Equal(t, "invalid_attachment", testapi.DecodeJSON[map[string]any](t, w)["code"])
}

func TestBlankMessageGetsSystemReply(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "   "})
	testapi.RequireStatus(t, w, http.StatusOK)
	reply := testapi.DecodeJSON[model.Message](t, w)
	require.Equal(t, model.RoleSystem, reply.Role)
	require.Equal(t, conversation.EmptyMessageReply, reply.Text)

	msgs, err := env.Store.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestMalformedBody(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, "{not json")
	testapi.RequireStatus(t, w, http.StatusBadRequest)
}

func TestDeniedWithoutGrant(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", testapi.Caller{ActorID: "mallory"}, conversation.Request{Text: "hi"})
	testapi.RequireStatus(t, w, http.StatusForbidden)
	body := testapi.DecodeJSON[map[string]any](t, w)
	require.Equal(t, "not_authorized", body["code"])
	require.Equal(t, "chat", body["action"])
}

func TestActorDenyOverridesRoleAllow(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})
	require.NoError(t, env.Store.GrantActorPermission(context.Background(), "alice", model.ActionChat, model.EffectDeny))

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "hi"})
	testapi.RequireStatus(t, w, http.StatusForbidden)
}

func TestQuotaExceeded(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})
	_, err := env.Store.SetActorQuota(context.Background(), "alice", model.ActionChat, 1, time.Hour)
	require.NoError(t, err)

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "one"})
	testapi.RequireStatus(t, w, http.StatusOK)

	w = env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "two"})
	testapi.RequireStatus(t, w, http.StatusTooManyRequests)
	body := testapi.DecodeJSON[map[string]any](t, w)
	require.Equal(t, "quota_exceeded", body["code"])
	require.EqualValues(t, 1, body["limit"])
	require.EqualValues(t, 1, body["used"])

	// Reading is never counted against the quota.
	w = env.Do(t, http.MethodGet, "/v1/conversations/c1/messages", alice, nil)
	testapi.RequireStatus(t, w, http.StatusOK)

	env.Clock.Advance(time.Hour + time.Second)
	w = env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "three"})
	testapi.RequireStatus(t, w, http.StatusOK)
}

func TestDisabledAction(t *testing.T) {
	env := setup(t, authz.PermissionOptions{})
	require.NoError(t, env.Gate.SetEnabled(context.Background(), model.ActionChat, false))

	w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", alice, conversation.Request{Text: "hi"})
	testapi.RequireStatus(t, w, http.StatusServiceUnavailable)
	require.Equal(t, "action_disabled", testapi.DecodeJSON[map[string]any](t, w)["code"])

	// Other actions keep working.
	w = env.Do(t, http.MethodGet, "/v1/conversations/c1/messages", alice, nil)
	testapi.RequireStatus(t, w, http.StatusOK)
}

func TestAnonymousPolicies(t *testing.T) {
	t.Run("allow", func(t *testing.T) {
		env := setup(t, authz.PermissionOptions{})
		w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", testapi.Caller{}, conversation.Request{Text: "hi"})
		testapi.RequireStatus(t, w, http.StatusOK)
	})

	t.Run("role", func(t *testing.T) {
		env := setup(t, authz.PermissionOptions{AnonymousPolicy: config.AnonymousRole, AnonymousRole: "guest"})
		w := env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", testapi.Caller{}, conversation.Request{Text: "hi"})
		testapi.RequireStatus(t, w, http.StatusForbidden)

		require.NoError(t, env.Store.GrantRolePermission(context.Background(), "guest", model.ActionChat, model.EffectAllow))
		w = env.Do(t, http.MethodPost, "/v1/conversations/c1/messages", testapi.Caller{}, conversation.Request{Text: "hi"})
		testapi.RequireStatus(t, w, http.StatusOK)
	})
}
