package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SentinelPrefix marks locally generated message ids that have no durable
// record yet. A sentinel is always either promoted to a durable message or
// removed before a send settles.
const SentinelPrefix = "local-"

// Message represents a conversation message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	// Stream sequence, populated by the durable store on read.
	Sequence uint64 `json:"sequence,omitempty"`
}

// NewSentinel creates an ephemeral placeholder message.
func NewSentinel(conversationID string, role Role, content string) *Message {
	return &Message{
		ID:             SentinelPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

// IsSentinel reports whether the message is a local placeholder.
func (m *Message) IsSentinel() bool {
	return strings.HasPrefix(m.ID, SentinelPrefix)
}
