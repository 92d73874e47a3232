// Package orchestrator owns the client-side send-message lifecycle: input
// sanitation, advisory quota gating, optimistic transcript state, the
// retrying dispatch to the streaming gateway and reconciliation of
// sentinels with durable records.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pinegen-ai/generation-platform/internal/model"
	"github.com/pinegen-ai/generation-platform/internal/quota"
	"github.com/pinegen-ai/generation-platform/internal/store"
	"github.com/pinegen-ai/generation-platform/pkg/logger"
)

// titlePrefixLen is how much of the first prompt seeds a new
// conversation's title.
const titlePrefixLen = 30

// Session identifies the authenticated caller.
type Session struct {
	UserID string
	Token  string
	Tier   string
}

// Deps wires the orchestrator's collaborators. Constructed once at
// application start and injected; no ambient globals.
type Deps struct {
	Conversations store.ConversationStore
	Messages      store.MessageStore
	Quota         *quota.Guard
	Gateway       *GatewayClient
	Logger        *logger.Logger
}

// Orchestrator coordinates one generation at a time. A second SendMessage
// while one is in flight returns ErrGenerationInFlight.
type Orchestrator struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	quota         *quota.Guard
	gateway       *GatewayClient
	logger        *logger.Logger

	mu         sync.Mutex
	generating bool
	session    *Session
	activeConv string
	quotaInfo  model.QuotaInfo

	transcript *Transcript
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Orchestrator{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		quota:         deps.Quota,
		gateway:       deps.Gateway,
		logger:        log,
		transcript:    NewTranscript(),
	}
}

// SetSession attaches the authenticated session.
func (o *Orchestrator) SetSession(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = s
}

// Transcript returns the visible message sequence.
func (o *Orchestrator) Transcript() *Transcript {
	return o.transcript
}

// QuotaInfo returns the last observed allowance. It may be briefly stale
// until the next explicit re-check.
func (o *Orchestrator) QuotaInfo() model.QuotaInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quotaInfo
}

// ActiveConversationID returns the current conversation, if any.
func (o *Orchestrator) ActiveConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeConv
}

// Conversations lists the caller's conversation threads.
func (o *Orchestrator) Conversations(ctx context.Context) ([]model.Conversation, error) {
	sess, err := o.requireSession()
	if err != nil {
		return nil, err
	}
	return o.conversations.List(ctx, sess.UserID, 50)
}

// SetActiveConversation switches threads and loads its history into the
// transcript.
func (o *Orchestrator) SetActiveConversation(ctx context.Context, conversationID string) error {
	sess, err := o.requireSession()
	if err != nil {
		return err
	}

	if _, err := o.conversations.Get(ctx, sess.UserID, conversationID); err != nil {
		return err
	}
	msgs, err := o.messages.History(ctx, sess.UserID, conversationID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.activeConv = conversationID
	o.mu.Unlock()
	o.transcript.Reset(msgs)
	return nil
}

// DeleteConversation removes a thread; if active, the transcript clears.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	sess, err := o.requireSession()
	if err != nil {
		return err
	}
	if err := o.conversations.Delete(ctx, sess.UserID, conversationID); err != nil {
		return err
	}

	o.mu.Lock()
	if o.activeConv == conversationID {
		o.activeConv = ""
		o.transcript.Reset(nil)
	}
	o.mu.Unlock()
	return nil
}

// SendMessage runs the full send lifecycle for one prompt. On failure the
// transcript is restored to a consistent state: sentinels removed, the
// already-persisted user message kept.
func (o *Orchestrator) SendMessage(ctx context.Context, rawContent string) error {
	sess, err := o.beginSend()
	if err != nil {
		return err
	}
	defer o.endSend()

	content := SanitizeInput(rawContent)
	if content == "" {
		// Silent no-op, not an error.
		return nil
	}

	// Advisory gate; the gateway re-checks authoritatively.
	info := o.quota.Check(ctx, sess.UserID, sess.Tier)
	o.setQuotaInfo(info)
	if !info.Allowed {
		return &QuotaExceededError{
			Reason:      info.Reason,
			ResetAt:     info.ResetAt,
			WaitSeconds: info.WaitSeconds,
		}
	}

	conversationID, err := o.resolveConversation(ctx, sess, content)
	if err != nil {
		return err
	}

	// Optimistic insert: the sentinel is visible immediately and promoted
	// in place once the durable id is known.
	userSentinel := model.NewSentinel(conversationID, model.RoleUser, content)
	o.transcript.Append(userSentinel)

	userMsg, err := o.messages.Append(ctx, sess.UserID, userSentinel)
	if err != nil {
		o.transcript.Remove(userSentinel.ID)
		return fmt.Errorf("failed to persist message: %w", err)
	}
	if err := o.transcript.Replace(userSentinel.ID, userMsg); err != nil {
		return err
	}

	assistantSentinel := model.NewSentinel(conversationID, model.RoleAssistant, "")
	o.transcript.Append(assistantSentinel)

	finalText, err := o.streamReply(ctx, sess, assistantSentinel.ID)
	if err != nil {
		o.transcript.Remove(assistantSentinel.ID)
		return err
	}

	assistantMsg, err := o.messages.Append(ctx, sess.UserID, &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Content:        finalText,
	})
	if err != nil {
		o.transcript.Remove(assistantSentinel.ID)
		return fmt.Errorf("failed to persist message: %w", err)
	}
	if err := o.transcript.Replace(assistantSentinel.ID, assistantMsg); err != nil {
		return err
	}

	if err := o.conversations.Touch(ctx, sess.UserID, conversationID, time.Now()); err != nil {
		o.logger.Warn("failed to touch conversation", "error", err, "conversation_id", conversationID)
	}

	// Refresh displayed counters; the charge already landed server-side.
	o.setQuotaInfo(o.quota.Check(ctx, sess.UserID, sess.Tier))
	return nil
}

func (o *Orchestrator) beginSend() (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, ErrAuthRequired
	}
	if o.generating {
		return nil, ErrGenerationInFlight
	}
	o.generating = true
	return o.session, nil
}

func (o *Orchestrator) endSend() {
	o.mu.Lock()
	o.generating = false
	o.mu.Unlock()
}

func (o *Orchestrator) requireSession() (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil, ErrAuthRequired
	}
	return o.session, nil
}

func (o *Orchestrator) setQuotaInfo(info *model.QuotaInfo) {
	o.mu.Lock()
	o.quotaInfo = *info
	o.mu.Unlock()
}

func (o *Orchestrator) resolveConversation(ctx context.Context, sess *Session, content string) (string, error) {
	o.mu.Lock()
	conversationID := o.activeConv
	o.mu.Unlock()
	if conversationID != "" {
		return conversationID, nil
	}

	conv, err := o.conversations.Create(ctx, sess.UserID, titleFrom(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	o.mu.Lock()
	o.activeConv = conv.ID
	o.mu.Unlock()
	return conv.ID, nil
}

// streamReply dispatches the history (excluding the assistant placeholder)
// and folds fragments into the placeholder as they arrive.
func (o *Orchestrator) streamReply(ctx context.Context, sess *Session, assistantSentinelID string) (string, error) {
	turns := o.transcript.Turns(assistantSentinelID)

	stream, err := o.gateway.Generate(ctx, sess.Token, turns)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var accumulated string
	for {
		fragment, err := stream.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", err
		}
		accumulated += fragment
		// Always the complete current prefix, never a partial append.
		o.transcript.SetContent(assistantSentinelID, accumulated)
	}

	return accumulated, nil
}

func titleFrom(content string) string {
	runes := []rune(content)
	if len(runes) > titlePrefixLen {
		runes = runes[:titlePrefixLen]
	}
	return string(runes) + "..."
}
