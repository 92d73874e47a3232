package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

// Memory is an in-process ConversationStore and MessageStore. It backs
// tests and single-node deployments without NATS.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]model.Message
	seq           uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

// Create creates a new conversation.
func (s *Memory) Create(ctx context.Context, userID, title string) (*model.Conversation, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	return conv, nil
}

// Get retrieves a conversation owned by the user.
func (s *Memory) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID || conv.Deleted {
		return nil, ErrNotFound
	}
	out := *conv
	return &out, nil
}

// List returns the user's conversations, most recently updated first.
func (s *Memory) List(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID && !conv.Deleted {
			convs = append(convs, *conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// Touch refreshes the conversation's last-updated timestamp.
func (s *Memory) Touch(ctx context.Context, userID, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	conv.UpdatedAt = at
	return nil
}

// Delete soft deletes a conversation.
func (s *Memory) Delete(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return ErrNotFound
	}
	conv.Deleted = true
	conv.UpdatedAt = time.Now()
	return nil
}

// Append persists a message, minting the durable id.
func (s *Memory) Append(ctx context.Context, userID string, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	durable := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      time.Now(),
		Sequence:       s.seq,
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], durable)

	out := durable
	return &out, nil
}

// History returns a conversation's messages in creation order.
func (s *Memory) History(ctx context.Context, userID, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
