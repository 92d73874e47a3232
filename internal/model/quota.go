package model

import "time"

// Quota rejection reasons.
const (
	QuotaReasonDailyExceeded = "daily_quota_exceeded"
)

// QuotaInfo describes a user's generation allowance at a point in time.
// It is refreshed by explicit re-checks, never mutated by callers.
type QuotaInfo struct {
	Allowed     bool       `json:"allowed"`
	Remaining   int        `json:"remaining"`
	Limit       int        `json:"limit"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	Tier        string     `json:"tier"`
	Exceeded    bool       `json:"exceeded"`
	Reason      string     `json:"reason,omitempty"`
	WaitSeconds int        `json:"wait_seconds,omitempty"`
}
