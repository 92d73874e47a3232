package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pinegen-ai/generation-platform/internal/model"
	natsclient "github.com/pinegen-ai/generation-platform/internal/nats"
	"github.com/pinegen-ai/generation-platform/pkg/metrics"
)

const (
	// StreamName is the name of the messages stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	// ConversationBucket is the KV bucket holding conversation records.
	ConversationBucket = "conversation_meta"
)

// JetStream persists conversations in a KV bucket and messages in an
// append-only JetStream stream, one subject per conversation and role.
type JetStream struct {
	client *natsclient.Client
	kv     jetstream.KeyValue
}

// NewJetStream prepares the stream and KV bucket.
func NewJetStream(ctx context.Context, client *natsclient.Client) (*JetStream, error) {
	js := client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			DenyDelete:  true,
			DenyPurge:   true,
			Description: "All conversation messages",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	kv, err := client.KeyValue(ctx, ConversationBucket)
	if err != nil {
		return nil, err
	}

	return &JetStream{client: client, kv: kv}, nil
}

func conversationKey(userID, conversationID string) string {
	return fmt.Sprintf("%s.%s", userID, conversationID)
}

func messageSubject(userID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, userID, conversationID, role)
}

// Create creates a new conversation record.
func (s *JetStream) Create(ctx context.Context, userID, title string) (*model.Conversation, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.putConversation(ctx, conv); err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.Inc()
	return conv, nil
}

// Get retrieves a conversation owned by the user.
func (s *JetStream) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	entry, err := s.kv.Get(ctx, conversationKey(userID, conversationID))
	if err != nil {
		return nil, ErrNotFound
	}

	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if conv.Deleted {
		return nil, ErrNotFound
	}
	return &conv, nil
}

// List returns the user's conversations.
func (s *JetStream) List(ctx context.Context, userID string, limit int) ([]model.Conversation, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	prefix := userID + "."
	var convs []model.Conversation
	for _, key := range keys {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var conv model.Conversation
		if err := json.Unmarshal(entry.Value(), &conv); err != nil || conv.Deleted {
			continue
		}
		convs = append(convs, conv)
		if limit > 0 && len(convs) >= limit {
			break
		}
	}
	return convs, nil
}

// Touch refreshes the conversation's last-updated timestamp.
func (s *JetStream) Touch(ctx context.Context, userID, conversationID string, at time.Time) error {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	conv.UpdatedAt = at
	return s.putConversation(ctx, conv)
}

// Delete soft deletes a conversation.
func (s *JetStream) Delete(ctx context.Context, userID, conversationID string) error {
	conv, err := s.Get(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	conv.Deleted = true
	conv.UpdatedAt = time.Now()
	return s.putConversation(ctx, conv)
}

func (s *JetStream) putConversation(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Put(ctx, conversationKey(conv.UserID, conv.ID), data); err != nil {
		return fmt.Errorf("failed to store conversation: %w", err)
	}
	return nil
}

// Append publishes a message to the stream and returns the durable record.
func (s *JetStream) Append(ctx context.Context, userID string, msg *model.Message) (*model.Message, error) {
	durable := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      time.Now(),
	}

	data, err := json.Marshal(&durable)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, messageSubject(userID, durable.ConversationID, durable.Role), data)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	durable.Sequence = ack.Sequence

	metrics.MessagesTotal.WithLabelValues(string(durable.Role)).Inc()
	return &durable, nil
}

// History fetches a conversation's messages in stream order.
func (s *JetStream) History(ctx context.Context, userID, conversationID string) ([]model.Message, error) {
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: fmt.Sprintf("%s.%s.%s.msg.>", SubjectPrefix, userID, conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var messages []model.Message
	for {
		batch, err := consumer.Fetch(100, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		count := 0
		for raw := range batch.Messages() {
			count++
			var message model.Message
			if err := json.Unmarshal(raw.Data(), &message); err != nil {
				continue
			}
			if meta, err := raw.Metadata(); err == nil {
				message.Sequence = meta.Sequence.Stream
			}
			messages = append(messages, message)
		}
		if count < 100 {
			break
		}
	}

	return messages, nil
}
