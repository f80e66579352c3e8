// Package ledger keeps the ordered, append-only record of one conversation.
//
// A Ledger validates every new turn before anything is written: roles must be
// known, a conversation may not open with an assistant turn, and two user or
// two assistant turns may never be adjacent. System turns are exempt from the
// adjacency rule on both sides.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
)

// Turn is a message that has not been appended yet. A zero Timestamp is
// replaced with the ledger clock's time.
type Turn struct {
	Role        model.MessageRole
	Text        string
	Timestamp   time.Time
	Attachments []model.Attachment
}

// Ledger is the in-memory view of a persisted conversation. It is not safe
// for concurrent use.
type Ledger struct {
	id       string
	store    registrystore.Store
	clock    clock.Clock
	messages []model.Message
}

// LoadOrCreate returns the ledger for id, creating the conversation when it
// does not exist yet.
func LoadOrCreate(ctx context.Context, store registrystore.Store, id string, clk clock.Clock) (*Ledger, error) {
	if id == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if _, err := store.GetOrCreateConversation(ctx, id); err != nil {
		return nil, err
	}
	messages, err := store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Ledger{id: id, store: store, clock: clock.OrReal(clk), messages: messages}, nil
}

// ID returns the conversation id.
func (l *Ledger) ID() string { return l.id }

// Len returns the number of appended messages.
func (l *Ledger) Len() int { return len(l.messages) }

// Last returns the most recent message, or nil for an empty ledger.
func (l *Ledger) Last() *model.Message {
	if len(l.messages) == 0 {
		return nil
	}
	m := l.messages[len(l.messages)-1]
	return &m
}

// Messages returns the appended messages in order. The result is a snapshot:
// later appends never show up in it. Callers must treat it as read-only.
func (l *Ledger) Messages() []model.Message {
	return slices.Clip(l.messages)
}

// Bind returns a ledger with the same content that writes through store.
// Appends on either ledger are invisible to the other.
func (l *Ledger) Bind(store registrystore.Store) *Ledger {
	return &Ledger{id: l.id, store: store, clock: l.clock, messages: slices.Clip(l.messages)}
}

// CheckTurn reports whether role may be appended after last, which is nil
// for an empty ledger.
func CheckTurn(last *model.Message, role model.MessageRole) error {
	if !role.Valid() {
		return &errdefs.InvalidRoleError{Role: string(role)}
	}
	if last == nil {
		if role == model.RoleAssistant {
			return &errdefs.InvalidTurnOrderError{Next: role}
		}
		return nil
	}
	if role != model.RoleSystem && last.Role == role {
		return &errdefs.InvalidTurnOrderError{Previous: last.Role, Next: role}
	}
	return nil
}

// AddMessage validates and persists turn, then appends it to the ledger.
// Nothing is written when validation fails.
func (l *Ledger) AddMessage(ctx context.Context, turn Turn) (*model.Message, error) {
	if err := CheckTurn(l.Last(), turn.Role); err != nil {
		return nil, err
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = l.clock.Now()
	}
	msg := model.Message{
		ConversationID: l.id,
		Seq:            len(l.messages),
		Role:           turn.Role,
		Text:           turn.Text,
		Timestamp:      ts.UTC(),
		Attachments:    slices.Clone(turn.Attachments),
	}
	if err := l.store.AppendMessage(ctx, &msg); err != nil {
		return nil, err
	}
	l.messages = append(l.messages, msg)
	return &msg, nil
}

// ProjectForModel maps the ledger to the ordered input a chat model expects.
func (l *Ledger) ProjectForModel() []chatmodel.Message {
	out := make([]chatmodel.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = chatmodel.Message{Role: m.Role, Text: m.Text, Timestamp: m.Timestamp}
		if len(m.Attachments) > 0 {
			out[i].Attachments = make([]chatmodel.Attachment, len(m.Attachments))
			for j, a := range m.Attachments {
				out[i].Attachments[j] = chatmodel.Attachment{MimeType: a.MimeType, BlobID: a.BlobID}
			}
		}
	}
	return out
}
