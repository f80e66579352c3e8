package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/attachment"
	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/plugin/blob/file"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
	"github.com/chirino/chat-ledger/internal/testutil/teststore"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	replies []string
	err     error
	calls   [][]chatmodel.Message
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Invoke(_ context.Context, messages []chatmodel.Message) (*chatmodel.Reply, error) {
	m.calls = append(m.calls, messages)
	if m.err != nil {
		return nil, m.err
	}
	text := "reply"
	if len(m.replies) > 0 {
		text, m.replies = m.replies[0], m.replies[1:]
	}
	return &chatmodel.Reply{Text: text}, nil
}

func newController(t *testing.T, m chatmodel.Model, id string) (*Controller, Deps) {
	t.Helper()
	deps := Deps{
		Store:       teststore.New(t),
		Attachments: attachment.New(file.New(t.TempDir()), attachment.Options{}),
		Model:       m,
		Clock:       clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	return NewController(deps, id), deps
}

func roles(msgs []model.Message) []model.MessageRole {
	out := make([]model.MessageRole, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestInvokeAppendsTurnPairs(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{replies: []string{"hello!", "again!"}}
	c, deps := newController(t, fm, "c1")

	reply, err := c.Invoke(ctx, Request{Text: "hi"})
	require.NoError(t, err)
	require.Equal(t, model.RoleAssistant, reply.Role)
	require.Equal(t, "hello!", reply.Text)

	_, err = c.Invoke(ctx, Request{Text: "again"})
	require.NoError(t, err)

	persisted, err := deps.Store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []model.MessageRole{model.RoleUser, model.RoleAssistant, model.RoleUser, model.RoleAssistant}, roles(persisted))
	require.Equal(t, "again", persisted[2].Text)

	l, err := c.Ledger(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, l.Len())

	require.Len(t, fm.calls, 2)
	require.Len(t, fm.calls[1], 3, "model sees the ledger including the new user turn")
	require.Equal(t, "again", fm.calls[1][2].Text)
}

func TestInvokeBlankTextIsNoop(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	c, deps := newController(t, fm, "c1")

	reply, err := c.Invoke(ctx, Request{Text: "  \n\t"})
	require.NoError(t, err)
	require.Equal(t, model.RoleSystem, reply.Role)
	require.Equal(t, EmptyMessageReply, reply.Text)
	require.Empty(t, fm.calls)

	persisted, err := deps.Store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestInvokeModelFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream down")
	fm := &fakeModel{err: boom}
	c, deps := newController(t, fm, "c1")

	_, err := c.Invoke(ctx, Request{Text: "hi"})
	require.Equal(t, errdefs.KindModel, errdefs.KindOf(err))
	require.ErrorIs(t, err, boom)

	persisted, err := deps.Store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, persisted, "user turn must not survive a failed model call")

	fm.err = nil
	reply, err := c.Invoke(ctx, Request{Text: "retry"})
	require.NoError(t, err)
	require.Equal(t, "reply", reply.Text)

	l, err := c.Ledger(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())
}

func TestInvokeStoresAttachments(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	c, deps := newController(t, fm, "c1")

	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("notes"))
	_, err := c.Invoke(ctx, Request{Text: "read this", Attachments: []string{uri}})
	require.NoError(t, err)

	persisted, err := deps.Store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, persisted[0].Attachments, 1)
	require.Equal(t, attachment.BlobID(uri), persisted[0].Attachments[0].BlobID)
	require.Equal(t, attachment.BlobID(uri), fm.calls[0][0].Attachments[0].BlobID)

	stored, err := deps.Attachments.Read(ctx, persisted[0].Attachments[0].BlobID)
	require.NoError(t, err)
	require.Equal(t, []byte("notes"), stored)
}

func TestInvokeRejectsBadAttachmentBeforeWriting(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	c, deps := newController(t, fm, "c1")

	_, err := c.Invoke(ctx, Request{Text: "hi", Attachments: []string{"nope"}})
	require.Equal(t, errdefs.KindInvalidAttachment, errdefs.KindOf(err))
	require.Empty(t, fm.calls)

	persisted, err := deps.Store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestSetConversationIDReloads(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, &fakeModel{}, "c1")

	_, err := c.Invoke(ctx, Request{Text: "hi"})
	require.NoError(t, err)

	c.SetConversationID("c2")
	require.Equal(t, "c2", c.ConversationID())
	l, err := c.Ledger(ctx)
	require.NoError(t, err)
	require.Equal(t, "c2", l.ID())
	require.Zero(t, l.Len())

	c.SetConversationID("c1")
	l, err = c.Ledger(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())
}

func TestStaleLedgerConflictsThenRecovers(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	c, deps := newController(t, fm, "shared")
	other := NewController(deps, "shared")

	_, err := c.Ledger(ctx)
	require.NoError(t, err)
	_, err = other.Invoke(ctx, Request{Text: "first"})
	require.NoError(t, err)

	_, err = c.Invoke(ctx, Request{Text: "stale"})
	require.Error(t, err)

	_, err = c.Invoke(ctx, Request{Text: "fresh"})
	require.NoError(t, err)
	persisted, err := deps.Store.ListMessages(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, persisted, 4)
}
