package ledger

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/testutil/teststore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestLoadOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := teststore.New(t)

	l, err := LoadOrCreate(ctx, store, "c1", clock.NewFake(start))
	require.NoError(t, err)
	require.Equal(t, "c1", l.ID())
	require.Zero(t, l.Len())
	require.Nil(t, l.Last())

	_, err = l.AddMessage(ctx, Turn{Role: model.RoleUser, Text: "hi"})
	require.NoError(t, err)

	again, err := LoadOrCreate(ctx, store, "c1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, again.Len())
	require.Equal(t, "hi", again.Last().Text)
}

func TestLoadOrCreateRequiresID(t *testing.T) {
	_, err := LoadOrCreate(context.Background(), teststore.New(t), "", nil)
	require.Error(t, err)
}

func TestAddMessageRejectsAssistantFirst(t *testing.T) {
	ctx := context.Background()
	store := teststore.New(t)
	l, err := LoadOrCreate(ctx, store, "c1", nil)
	require.NoError(t, err)

	_, err = l.AddMessage(ctx, Turn{Role: model.RoleAssistant, Text: "hello"})
	require.Equal(t, errdefs.KindInvalidTurnOrder, errdefs.KindOf(err))
	require.Zero(t, l.Len())

	persisted, err := store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, persisted)
}

func TestAddMessageRejectsUnknownRole(t *testing.T) {
	ctx := context.Background()
	l, err := LoadOrCreate(ctx, teststore.New(t), "c1", nil)
	require.NoError(t, err)

	_, err = l.AddMessage(ctx, Turn{Role: "tool", Text: "x"})
	require.Equal(t, errdefs.KindInvalidRole, errdefs.KindOf(err))
}

func TestCheckTurn(t *testing.T) {
	msg := func(r model.MessageRole) *model.Message { return &model.Message{Role: r} }
	cases := []struct {
		name string
		last *model.Message
		next model.MessageRole
		ok   bool
	}{
		{"user opens", nil, model.RoleUser, true},
		{"system opens", nil, model.RoleSystem, true},
		{"assistant opens", nil, model.RoleAssistant, false},
		{"user after user", msg(model.RoleUser), model.RoleUser, false},
		{"assistant after assistant", msg(model.RoleAssistant), model.RoleAssistant, false},
		{"assistant after user", msg(model.RoleUser), model.RoleAssistant, true},
		{"user after assistant", msg(model.RoleAssistant), model.RoleUser, true},
		{"system after system", msg(model.RoleSystem), model.RoleSystem, true},
		{"system after user", msg(model.RoleUser), model.RoleSystem, true},
		{"assistant after system", msg(model.RoleSystem), model.RoleAssistant, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTurn(tc.last, tc.next)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Equal(t, errdefs.KindInvalidTurnOrder, errdefs.KindOf(err))
			}
		})
	}
}

func TestRandomSequencesKeepAlternation(t *testing.T) {
	ctx := context.Background()
	store := teststore.New(t)
	rng := rand.New(rand.NewSource(42))
	roles := []model.MessageRole{model.RoleUser, model.RoleAssistant, model.RoleSystem}

	l, err := LoadOrCreate(ctx, store, "random", nil)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, _ = l.AddMessage(ctx, Turn{Role: roles[rng.Intn(len(roles))], Text: "x"})
	}

	persisted, err := store.ListMessages(ctx, "random")
	require.NoError(t, err)
	require.Equal(t, l.Len(), len(persisted))
	require.NotEmpty(t, persisted)
	require.NotEqual(t, model.RoleAssistant, persisted[0].Role)
	for i := 1; i < len(persisted); i++ {
		prev, cur := persisted[i-1].Role, persisted[i].Role
		require.Equal(t, i, persisted[i].Seq)
		if cur != model.RoleSystem {
			require.NotEqual(t, prev, cur, "position %d", i)
		}
	}
}

func TestAddMessageStampsAndBindsAttachments(t *testing.T) {
	ctx := context.Background()
	store := teststore.New(t)
	clk := clock.NewFake(start)
	l, err := LoadOrCreate(ctx, store, "c1", clk)
	require.NoError(t, err)

	atts := []model.Attachment{
		{MimeType: "image/png", BlobID: "b1", BasePath: "/tmp"},
		{MimeType: "text/plain", BlobID: "b2", BasePath: "/tmp"},
	}
	msg, err := l.AddMessage(ctx, Turn{Role: model.RoleUser, Text: "see", Attachments: atts})
	require.NoError(t, err)
	require.True(t, msg.Timestamp.Equal(start))
	require.NotEqual(t, uuid.Nil, msg.ID)
	require.Nil(t, atts[0].MessageID, "caller's attachments are not mutated")

	persisted, err := store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Len(t, persisted[0].Attachments, 2)
	require.Equal(t, "b1", persisted[0].Attachments[0].BlobID)
	require.Equal(t, "b2", persisted[0].Attachments[1].BlobID)
	require.Equal(t, msg.ID, *persisted[0].Attachments[1].MessageID)
}

func TestMessagesSnapshotIsStable(t *testing.T) {
	ctx := context.Background()
	l, err := LoadOrCreate(ctx, teststore.New(t), "c1", nil)
	require.NoError(t, err)
	_, err = l.AddMessage(ctx, Turn{Role: model.RoleUser, Text: "one"})
	require.NoError(t, err)

	snap := l.Messages()
	_, err = l.AddMessage(ctx, Turn{Role: model.RoleAssistant, Text: "two"})
	require.NoError(t, err)

	require.Len(t, snap, 1)
	grown := append(snap, model.Message{Text: "mine"})
	require.Equal(t, "two", l.Messages()[1].Text)
	require.Equal(t, "mine", grown[1].Text)
}

func TestBindIsolatesAppends(t *testing.T) {
	ctx := context.Background()
	store := teststore.New(t)
	l, err := LoadOrCreate(ctx, store, "c1", nil)
	require.NoError(t, err)

	err = store.Transaction(ctx, func(tx registrystore.Store) error {
		bound := l.Bind(tx)
		_, err := bound.AddMessage(ctx, Turn{Role: model.RoleUser, Text: "in tx"})
		require.NoError(t, err)
		require.Equal(t, 1, bound.Len())
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, l.Len())
}

func TestProjectForModel(t *testing.T) {
	ctx := context.Background()
	l, err := LoadOrCreate(ctx, teststore.New(t), "c1", clock.NewFake(start))
	require.NoError(t, err)
	_, err = l.AddMessage(ctx, Turn{Role: model.RoleSystem, Text: "rules"})
	require.NoError(t, err)
	_, err = l.AddMessage(ctx, Turn{Role: model.RoleUser, Text: "pic", Attachments: []model.Attachment{{MimeType: "image/png", BlobID: "b"}}})
	require.NoError(t, err)

	projection := l.ProjectForModel()
	require.Len(t, projection, 2)
	require.Equal(t, model.RoleSystem, projection[0].Role)
	require.Empty(t, projection[0].Attachments)
	require.Equal(t, "pic", projection[1].Text)
	require.Equal(t, "b", projection[1].Attachments[0].BlobID)
	require.True(t, projection[1].Timestamp.Equal(start))

	// The projection is a copy.
	projection[1].Text = "changed"
	require.Equal(t, "pic", l.Last().Text)
}
