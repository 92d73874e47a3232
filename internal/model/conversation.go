// Package model defines data structures for the generation platform.
package model

import (
	"time"
)

// Conversation represents a conversation thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// User is the identity record as seen by the core. Owned by the identity
// collaborator; read-only here.
type User struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
}

// Subscription tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
)
