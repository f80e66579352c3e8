package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/blob/file"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
	"github.com/stretchr/testify/require"
)

func TestInvokeSendsProjectionAndParsesReply(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello back"}}]}`))
	}))
	defer srv.Close()

	blobs := file.New(t.TempDir())
	_, err := blobs.Put(context.Background(), "img", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)

	m := New(Options{APIKey: "sk-test", Model: "gpt-test", BaseURL: srv.URL + "/", Blobs: blobs})
	reply, err := m.Invoke(context.Background(), []chatmodel.Message{
		{Role: model.RoleSystem, Text: "be brief"},
		{Role: model.RoleUser, Text: "what is this?", Attachments: []chatmodel.Attachment{
			{MimeType: "image/png", BlobID: "img"},
			{MimeType: "application/pdf", BlobID: "doc"},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello back", reply.Text)
	require.Equal(t, "openai:gpt-test", m.Name())

	require.Equal(t, "gpt-test", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "be brief", msgs[0].(map[string]any)["content"])
	parts := msgs[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	image := parts[1].(map[string]any)["image_url"].(map[string]any)
	require.Equal(t, "data:image/png;base64,iVBORw==", image["url"])
}

func TestInvokeSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	m := New(Options{APIKey: "nope", Model: "gpt-test", BaseURL: srv.URL})
	_, err := m.Invoke(context.Background(), []chatmodel.Message{{Role: model.RoleUser, Text: "hi"}})
	require.ErrorContains(t, err, "bad key")
}

func TestInvokeRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	m := New(Options{APIKey: "k", Model: "gpt-test", BaseURL: srv.URL})
	_, err := m.Invoke(context.Background(), []chatmodel.Message{{Role: model.RoleUser, Text: "hi"}})
	require.ErrorContains(t, err, "no choices")
}
