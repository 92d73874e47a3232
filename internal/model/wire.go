package model

import "time"

// ChatTurn is one role/content pair on the generate wire.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the body of POST /api/v1/generate.
type GenerateRequest struct {
	Messages []ChatTurn `json:"messages"`
}

// StreamFrame is the payload of one data frame on the event stream.
type StreamFrame struct {
	Text string `json:"text"`
}

// StreamTerminator is the distinguished terminal frame payload.
const StreamTerminator = "[DONE]"

// ErrorResponse is the JSON body of pre-stream error responses.
type ErrorResponse struct {
	Error   string     `json:"error"`
	Reason  string     `json:"reason,omitempty"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}
