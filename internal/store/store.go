// Package store defines the conversation/message persistence contract the
// core depends on, with in-memory and JetStream-backed implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

// ErrNotFound is returned when a conversation does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("conversation not found")

// ConversationStore persists conversation threads.
type ConversationStore interface {
	Create(ctx context.Context, userID, title string) (*model.Conversation, error)
	Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	List(ctx context.Context, userID string, limit int) ([]model.Conversation, error)
	Touch(ctx context.Context, userID, conversationID string, at time.Time) error
	Delete(ctx context.Context, userID, conversationID string) error
}

// MessageStore persists append-only, creation-ordered messages.
type MessageStore interface {
	// Append persists a message and returns the durable record. The input
	// may carry a sentinel id; the returned record never does.
	Append(ctx context.Context, userID string, msg *model.Message) (*model.Message, error)
	History(ctx context.Context, userID, conversationID string) ([]model.Message, error)
}
