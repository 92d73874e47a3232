package orchestrator

import (
	"fmt"
	"sync"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

// Transcript is the ordered, append-only message sequence shown to the
// user. Sentinel promotion is a single replace-by-id step so a placeholder
// never survives a settled send.
type Transcript struct {
	mu       sync.RWMutex
	messages []model.Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Reset replaces the transcript contents, e.g. after switching the active
// conversation.
func (t *Transcript) Reset(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages[:0:0], msgs...)
}

// Append adds a message at the end.
func (t *Transcript) Append(msg *model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, *msg)
}

// Replace swaps the message with the given id for its durable record,
// keeping its position.
func (t *Transcript) Replace(id string, durable *model.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id {
			t.messages[i] = *durable
			return nil
		}
	}
	return fmt.Errorf("message %s not in transcript", id)
}

// SetContent updates the content of the message with the given id. Used to
// apply the accumulated stream prefix to the assistant placeholder.
func (t *Transcript) SetContent(id, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id {
			t.messages[i].Content = content
			return
		}
	}
}

// Remove deletes the message with the given id, preserving order of the
// remainder.
func (t *Transcript) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.messages {
		if t.messages[i].ID == id {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the transcript in order.
func (t *Transcript) Messages() []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of transcript entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Turns renders the transcript as wire turns, excluding the given ids.
func (t *Transcript) Turns(exclude ...string) []model.ChatTurn {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	turns := make([]model.ChatTurn, 0, len(t.messages))
	for _, msg := range t.messages {
		if skip[msg.ID] {
			continue
		}
		turns = append(turns, model.ChatTurn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}
