package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the send-message lifecycle.
var (
	// ErrAuthRequired is returned when no session is attached.
	ErrAuthRequired = errors.New("authentication required")

	// ErrGenerationInFlight is returned when a send overlaps an active
	// generation. Overlapping sends are rejected, not queued.
	ErrGenerationInFlight = errors.New("a generation is already in progress")

	// ErrProvisioningFailed wraps conversation creation failures.
	ErrProvisioningFailed = errors.New("failed to provision conversation")

	// ErrStreamAborted wraps mid-stream read failures.
	ErrStreamAborted = errors.New("generation stream aborted")

	// ErrRetriesExhausted wraps the last failure after the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// QuotaExceededError is returned when the quota guard or the gateway
// blocks a generation.
type QuotaExceededError struct {
	Reason      string
	ResetAt     *time.Time
	WaitSeconds int
}

func (e *QuotaExceededError) Error() string {
	if e.Reason == "daily_quota_exceeded" && e.ResetAt != nil {
		return fmt.Sprintf("daily quota exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
	}
	if e.WaitSeconds > 0 {
		return fmt.Sprintf("quota exceeded (%s), wait %d seconds", e.Reason, e.WaitSeconds)
	}
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

// ValidationError carries the gateway's first schema-violation message
// verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
