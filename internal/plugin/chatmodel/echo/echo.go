// Package echo provides a chat model that repeats the latest user turn. It
// needs no credentials and is the default for development and tests.
package echo

import (
	"context"
	"fmt"

	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
)

const name = "echo"

func init() {
	chatmodel.Register(chatmodel.Plugin{
		Name: name,
		Loader: func(ctx context.Context) (chatmodel.Model, error) {
			return New(), nil
		},
	})
}

// Model replies with the text of the most recent user message.
type Model struct{}

// New returns an echo model.
func New() *Model { return &Model{} }

func (m *Model) Name() string { return name }

func (m *Model) Invoke(ctx context.Context, messages []chatmodel.Message) (*chatmodel.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != model.RoleUser {
			continue
		}
		text := msg.Text
		if n := len(msg.Attachments); n > 0 {
			text = fmt.Sprintf("%s (%d attachment(s))", text, n)
		}
		return &chatmodel.Reply{Text: text}, nil
	}
	return nil, fmt.Errorf("echo: no user message to reply to")
}
