package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

// MaxContentLength caps message content size on the wire.
const MaxContentLength = 100000

// ValidateGenerateRequest validates the generate payload shape. The first
// failing rule's message is returned and surfaced verbatim to the caller.
func ValidateGenerateRequest(req *model.GenerateRequest) error {
	if req == nil || len(req.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for _, turn := range req.Messages {
		switch turn.Role {
		case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		default:
			return errors.New("message role must be one of user, assistant, system")
		}
		if err := ValidateMessageContent(turn.Content); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMessageContent validates a single message body.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message content cannot be empty")
	}
	if len(content) > MaxContentLength {
		return errors.New("message content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message content must be valid UTF-8")
	}
	return nil
}
