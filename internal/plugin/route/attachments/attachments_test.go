package attachments_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/attachment"
	"github.com/chirino/chat-ledger/internal/authz"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/blob/file"
	"github.com/chirino/chat-ledger/internal/plugin/route/attachments"
	"github.com/chirino/chat-ledger/internal/testutil/testapi"
	"github.com/stretchr/testify/require"
)

var bob = testapi.Caller{ActorID: "bob"}

func setup(t *testing.T) *testapi.Env {
	t.Helper()
	env := testapi.New(t, authz.PermissionOptions{})
	store := attachment.New(file.New(t.TempDir()), attachment.Options{MaxSize: 1024})
	attachments.MountRoutes(env.Router, store, env.Actions, env.Auth, nil)

	ctx := context.Background()
	require.NoError(t, env.Store.GrantActorPermission(ctx, "bob", model.ActionAttachmentUpload, model.EffectAllow))
	require.NoError(t, env.Store.GrantActorPermission(ctx, "bob", model.ActionConversationRead, model.EffectAllow))
	return env
}

func dataURI(mime, payload string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(payload))
}

func TestUploadAndDownload(t *testing.T) {
	env := setup(t)
	uri := dataURI("text/plain", "hello attachment")

	w := env.Do(t, http.MethodPost, "/v1/attachments", bob, map[string]string{"uri": uri})
	testapi.RequireStatus(t, w, http.StatusCreated)
	att := testapi.DecodeJSON[model.Attachment](t, w)
	require.Equal(t, attachment.BlobID(uri), att.BlobID)
	require.Equal(t, "text/plain", att.MimeType)
	require.EqualValues(t, len("hello attachment"), att.Size)

	w = env.Do(t, http.MethodGet, "/v1/attachments/"+att.BlobID, bob, nil)
	testapi.RequireStatus(t, w, http.StatusOK)
	require.Equal(t, "hello attachment", w.Body.String())
	require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	// Same URI, same blob.
	w = env.Do(t, http.MethodPost, "/v1/attachments", bob, map[string]string{"uri": uri})
	testapi.RequireStatus(t, w, http.StatusCreated)
	require.Equal(t, att.BlobID, testapi.DecodeJSON[model.Attachment](t, w).BlobID)
}

func TestUploadRejectsInvalidURI(t *testing.T) {
	env := setup(t)

	for name, body := range map[string]any{
		"missing uri":   map[string]string{},
		"not data":      map[string]string{"uri": "https://example.com/cat.png"},
		"not base64":    map[string]string{"uri": "data:text/plain,hello"},
		"corrupt image": map[string]string{"uri": dataURI("image/png", "definitely not a png")},
		"too large":     map[string]string{"uri": dataURI("text/plain", strings.Repeat("x", 2048))},
	} {
		t.Run(name, func(t *testing.T) {
			w := env.Do(t, http.MethodPost, "/v1/attachments", bob, body)
			testapi.RequireStatus(t, w, http.StatusBadRequest)
		})
	}
}

func TestUploadRequiresPermissionAndQuota(t *testing.T) {
	env := setup(t)
	uri := dataURI("text/plain", "x")

	w := env.Do(t, http.MethodPost, "/v1/attachments", testapi.Caller{ActorID: "eve"}, map[string]string{"uri": uri})
	testapi.RequireStatus(t, w, http.StatusForbidden)

	_, err := env.Store.SetActorQuota(context.Background(), "bob", model.ActionAttachmentUpload, 0, time.Hour)
	require.NoError(t, err)
	w = env.Do(t, http.MethodPost, "/v1/attachments", bob, map[string]string{"uri": uri})
	testapi.RequireStatus(t, w, http.StatusTooManyRequests)
}

func TestFailedUploadIsNotCounted(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	_, err := env.Store.SetActorQuota(ctx, "bob", model.ActionAttachmentUpload, 1, time.Hour)
	require.NoError(t, err)

	w := env.Do(t, http.MethodPost, "/v1/attachments", bob, map[string]string{"uri": "data:text/plain;base64,@@@"})
	testapi.RequireStatus(t, w, http.StatusBadRequest)

	w = env.Do(t, http.MethodPost, "/v1/attachments", bob, map[string]string{"uri": dataURI("text/plain", "ok")})
	testapi.RequireStatus(t, w, http.StatusCreated)

	usage, err := env.Quotas.GetUsage(ctx, &model.Actor{ID: "bob"}, model.ActionAttachmentUpload)
	require.NoError(t, err)
	require.EqualValues(t, 1, usage.CurrentValue)
}

func TestDownloadMissing(t *testing.T) {
	env := setup(t)

	w := env.Do(t, http.MethodGet, "/v1/attachments/"+strings.Repeat("ab", 32), bob, nil)
	testapi.RequireStatus(t, w, http.StatusNotFound)

	w = env.Do(t, http.MethodGet, "/v1/attachments/not-a-blob-id", bob, nil)
	testapi.RequireStatus(t, w, http.StatusNotFound)
}
