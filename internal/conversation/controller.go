// Package conversation drives one chat turn: it appends the user message,
// asks the chat model for a reply and appends the reply, all inside one store
// transaction.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-ledger/internal/attachment"
	"github.com/chirino/chat-ledger/internal/clock"
	"github.com/chirino/chat-ledger/internal/errdefs"
	"github.com/chirino/chat-ledger/internal/ledger"
	"github.com/chirino/chat-ledger/internal/model"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
	registrystore "github.com/chirino/chat-ledger/internal/registry/store"
	"github.com/chirino/chat-ledger/internal/security"
)

// EmptyMessageReply is the system reply returned for blank input.
const EmptyMessageReply = "please provide a message"

// Deps are the collaborators of a Controller.
type Deps struct {
	Store       registrystore.Store
	Attachments *attachment.Store
	Model       chatmodel.Model
	Clock       clock.Clock
	Logger      *log.Logger
}

// Request is one user turn.
type Request struct {
	Text string `json:"text"`
	// Attachments holds data URIs. They are parsed and stored before the
	// turn is written.
	Attachments []string `json:"attachments,omitempty"`
}

// Controller binds a conversation id to its ledger. Calls are serialized.
type Controller struct {
	mu     sync.Mutex
	deps   Deps
	id     string
	ledger *ledger.Ledger
}

// NewController returns a controller for conversationID. The ledger is
// loaded on first use.
func NewController(deps Deps, conversationID string) *Controller {
	deps.Clock = clock.OrReal(deps.Clock)
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}
	return &Controller{deps: deps, id: conversationID}
}

// ConversationID returns the bound conversation id.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetConversationID rebinds the controller. The cached ledger is dropped and
// the next access loads the new conversation.
func (c *Controller) SetConversationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.id {
		c.id = id
		c.ledger = nil
	}
}

// Ledger returns the ledger of the bound conversation, loading it if needed.
func (c *Controller) Ledger(ctx context.Context) (*ledger.Ledger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(ctx)
}

func (c *Controller) load(ctx context.Context) (*ledger.Ledger, error) {
	if c.ledger != nil {
		return c.ledger, nil
	}
	l, err := ledger.LoadOrCreate(ctx, c.deps.Store, c.id, c.deps.Clock)
	if err != nil {
		return nil, err
	}
	c.ledger = l
	return l, nil
}

// Invoke records req as a user turn and returns the assistant's reply.
//
// Blank text yields a system reply without touching the ledger or the model.
// When the model fails the transaction is rolled back, so neither turn is
// kept, and the failure is returned as *errdefs.ModelError.
func (c *Controller) Invoke(ctx context.Context, req Request) (*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(req.Text) == "" {
		return &model.Message{
			ConversationID: c.id,
			Role:           model.RoleSystem,
			Text:           EmptyMessageReply,
			Timestamp:      c.deps.Clock.Now(),
		}, nil
	}

	var atts []model.Attachment
	if len(req.Attachments) > 0 {
		if c.deps.Attachments == nil {
			return nil, &errdefs.InvalidAttachmentError{Reason: "attachments are not supported"}
		}
		var err error
		if atts, err = c.deps.Attachments.ParseAll(ctx, req.Attachments); err != nil {
			return nil, err
		}
	}

	var (
		committed *ledger.Ledger
		reply     *model.Message
	)
	err := c.deps.Store.Transaction(ctx, func(tx registrystore.Store) error {
		var l *ledger.Ledger
		if c.ledger != nil {
			l = c.ledger.Bind(tx)
		} else {
			var err error
			if l, err = ledger.LoadOrCreate(ctx, tx, c.id, c.deps.Clock); err != nil {
				return err
			}
		}

		if _, err := l.AddMessage(ctx, ledger.Turn{Role: model.RoleUser, Text: req.Text, Attachments: atts}); err != nil {
			return err
		}
		text, err := c.callModel(ctx, l.ProjectForModel())
		if err != nil {
			return err
		}
		msg, err := l.AddMessage(ctx, ledger.Turn{Role: model.RoleAssistant, Text: text})
		if err != nil {
			return err
		}
		committed, reply = l, msg
		return nil
	})
	if err != nil {
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			// Another writer advanced the conversation; reload next time.
			c.ledger = nil
		}
		return nil, err
	}

	c.ledger = committed.Bind(c.deps.Store)
	c.deps.Logger.Info("Appended turn", "conversation", c.id, "messages", c.ledger.Len(), "attachments", len(atts))
	return reply, nil
}

func (c *Controller) callModel(ctx context.Context, projection []chatmodel.Message) (string, error) {
	if c.deps.Model == nil {
		return "", &errdefs.ModelError{Err: fmt.Errorf("no chat model configured")}
	}
	start := time.Now()
	out, err := c.deps.Model.Invoke(ctx, projection)
	security.ObserveModelCall(c.deps.Model.Name(), start, err)
	if err != nil {
		c.deps.Logger.Warn("Model invocation failed", "conversation", c.id, "model", c.deps.Model.Name(), "err", err)
		return "", &errdefs.ModelError{Err: err}
	}
	if out == nil {
		return "", &errdefs.ModelError{Err: fmt.Errorf("model %s returned no reply", c.deps.Model.Name())}
	}
	return out.Text, nil
}
