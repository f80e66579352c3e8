package chatmodel

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-ledger/internal/model"
)

// Attachment is the model-facing view of a stored attachment.
type Attachment struct {
	MimeType string
	BlobID   string
}

// Message is one entry of the ordered projection handed to a Model.
type Message struct {
	Role        model.MessageRole
	Text        string
	Timestamp   time.Time
	Attachments []Attachment
}

// Reply is the assistant turn produced by a Model.
type Reply struct {
	Text string
}

// Model generates the next assistant turn for a conversation projection.
// Implementations must not retain or modify the messages slice.
type Model interface {
	Name() string
	Invoke(ctx context.Context, messages []Message) (*Reply, error)
}

// Loader creates a Model from config.
type Loader func(ctx context.Context) (Model, error)

// Plugin represents a chat model plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a chat model plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered chat model plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named chat model plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown chat model %q; valid: %v", name, Names())
}
