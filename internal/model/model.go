package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a ledger message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Valid reports whether r is one of the known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Conversation is the persistent identity of one ledger.
type Conversation struct {
	ID        string    `json:"id"        gorm:"primaryKey"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

func (Conversation) TableName() string { return "conversations" }

// Message is one turn in a conversation ledger. Seq is the 0-based position
// within the ledger and is unique per conversation.
type Message struct {
	ID             uuid.UUID     `json:"id"                    gorm:"primaryKey;type:uuid"`
	ConversationID string        `json:"conversationId"        gorm:"not null;uniqueIndex:idx_messages_conversation_seq,priority:1"`
	Conversation   *Conversation `json:"-"                     gorm:"foreignKey:ConversationID"`
	Seq            int           `json:"seq"                   gorm:"not null;uniqueIndex:idx_messages_conversation_seq,priority:2"`
	Role           MessageRole   `json:"role"                  gorm:"not null"`
	Text           string        `json:"text"                  gorm:"not null"`
	Timestamp      time.Time     `json:"timestamp"             gorm:"not null"`
	Attachments    []Attachment  `json:"attachments,omitempty" gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

func (Message) TableName() string { return "messages" }

// Attachment references a stored blob. It is created by the attachment store
// before the owning message exists and bound to a message on append.
type Attachment struct {
	ID        uuid.UUID  `json:"id"                  gorm:"primaryKey;type:uuid"`
	MessageID *uuid.UUID `json:"messageId,omitempty" gorm:"type:uuid;index"`
	Position  int        `json:"-"                   gorm:"not null;default:0"`
	MimeType  string     `json:"mimeType"            gorm:"not null"`
	BlobID    string     `json:"blobId"              gorm:"not null;index"`
	BasePath  string     `json:"-"                   gorm:"not null;default:''"`
	Size      int64      `json:"size"                gorm:"not null;default:0"`
}

func (Attachment) TableName() string { return "attachments" }

// Blob holds attachment bytes for the database-backed blob store.
type Blob struct {
	ID        string    `gorm:"primaryKey"`
	Data      []byte    `gorm:"not null"`
	Size      int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

func (Blob) TableName() string { return "blobs" }
