package echo

import (
	"context"
	"testing"

	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
	"github.com/stretchr/testify/require"
)

func TestInvokeRepeatsLatestUserTurn(t *testing.T) {
	reply, err := New().Invoke(context.Background(), []chatmodel.Message{
		{Role: model.RoleUser, Text: "first"},
		{Role: model.RoleAssistant, Text: "first"},
		{Role: model.RoleUser, Text: "second"},
		{Role: model.RoleSystem, Text: "note"},
	})
	require.NoError(t, err)
	require.Equal(t, "second", reply.Text)
}

func TestInvokeCountsAttachments(t *testing.T) {
	reply, err := New().Invoke(context.Background(), []chatmodel.Message{
		{Role: model.RoleUser, Text: "look", Attachments: []chatmodel.Attachment{{MimeType: "image/png", BlobID: "b"}}},
	})
	require.NoError(t, err)
	require.Equal(t, "look (1 attachment(s))", reply.Text)
}

func TestInvokeWithoutUserTurnFails(t *testing.T) {
	_, err := New().Invoke(context.Background(), nil)
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	loader, err := chatmodel.Select("echo")
	require.NoError(t, err)
	m, err := loader(context.Background())
	require.NoError(t, err)
	require.Equal(t, "echo", m.Name())
}
