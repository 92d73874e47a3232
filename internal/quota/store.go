// Package quota answers whether a user may generate now. The client-side
// guard is advisory; the gateway's store check is authoritative.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/pinegen-ai/generation-platform/internal/model"
)

// Store is the quota collaborator contract: a point-in-time check and a
// usage charge. Record is assumed atomic at the store layer.
type Store interface {
	Check(ctx context.Context, userID, tier string) (*model.QuotaInfo, error)
	Record(ctx context.Context, userID string, units int) error
}

// Limits holds daily generation allowances by tier.
type Limits struct {
	Free int
	Pro  int
}

// For returns the daily limit for a tier.
func (l Limits) For(tier string) int {
	if tier == model.TierPro {
		return l.Pro
	}
	return l.Free
}

// dayOf buckets usage into UTC days.
func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// nextReset is the upcoming UTC midnight.
func nextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func buildInfo(tier string, limit, used int, now time.Time) *model.QuotaInfo {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	reset := nextReset(now)

	info := &model.QuotaInfo{
		Allowed:   remaining > 0,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   &reset,
		Tier:      tier,
	}
	if remaining == 0 {
		info.Exceeded = true
		info.Reason = model.QuotaReasonDailyExceeded
	}
	return info
}

// MemoryStore is an in-process quota store for tests and single-node use.
type MemoryStore struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	used  map[string]int
	day   map[string]string
}

// NewMemoryStore creates a quota store with the given limits.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits: limits,
		now:    time.Now,
		used:   make(map[string]int),
		day:    make(map[string]string),
	}
}

// SetClock overrides the time source. Used in tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

// Check reports the user's current allowance.
func (s *MemoryStore) Check(ctx context.Context, userID, tier string) (*model.QuotaInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.rollover(userID, now)
	return buildInfo(tier, s.limits.For(tier), s.used[userID], now), nil
}

// Record charges usage units against the user.
func (s *MemoryStore) Record(ctx context.Context, userID string, units int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollover(userID, s.now())
	s.used[userID] += units
	return nil
}

func (s *MemoryStore) rollover(userID string, now time.Time) {
	today := dayOf(now)
	if s.day[userID] != today {
		s.day[userID] = today
		s.used[userID] = 0
	}
}
