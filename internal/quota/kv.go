package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pinegen-ai/generation-platform/internal/model"
	natsclient "github.com/pinegen-ai/generation-platform/internal/nats"
)

// UsageBucket is the KV bucket holding per-user usage counters.
const UsageBucket = "quota_usage"

const recordAttempts = 5

type usageRecord struct {
	Used int    `json:"used"`
	Day  string `json:"day"`
}

// KVStore is the authoritative quota store on JetStream KV. Charges use a
// compare-and-swap loop so concurrent generations never lose units.
type KVStore struct {
	kv     jetstream.KeyValue
	limits Limits
	now    func() time.Time
}

// NewKVStore opens the usage bucket.
func NewKVStore(ctx context.Context, client *natsclient.Client, limits Limits) (*KVStore, error) {
	kv, err := client.KeyValue(ctx, UsageBucket)
	if err != nil {
		return nil, err
	}
	return &KVStore{kv: kv, limits: limits, now: time.Now}, nil
}

// Check reports the user's current allowance.
func (s *KVStore) Check(ctx context.Context, userID, tier string) (*model.QuotaInfo, error) {
	now := s.now()

	rec, _, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	used := 0
	if rec != nil && rec.Day == dayOf(now) {
		used = rec.Used
	}
	return buildInfo(tier, s.limits.For(tier), used, now), nil
}

// Record charges usage units against the user.
func (s *KVStore) Record(ctx context.Context, userID string, units int) error {
	now := s.now()
	today := dayOf(now)

	for attempt := 0; attempt < recordAttempts; attempt++ {
		rec, revision, err := s.load(ctx, userID)
		if err != nil {
			return err
		}

		updated := usageRecord{Day: today}
		if rec != nil && rec.Day == today {
			updated.Used = rec.Used
		}
		updated.Used += units

		data, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("failed to marshal usage record: %w", err)
		}

		if revision == 0 {
			if _, err = s.kv.Create(ctx, userID, data); err == nil {
				return nil
			}
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return fmt.Errorf("failed to create usage record: %w", err)
		}

		// Revision mismatch means a concurrent charge won; reload and retry.
		if _, err = s.kv.Update(ctx, userID, data, revision); err == nil {
			return nil
		}
	}

	return errors.New("usage record contention, giving up")
}

func (s *KVStore) load(ctx context.Context, userID string) (*usageRecord, uint64, error) {
	entry, err := s.kv.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read usage record: %w", err)
	}

	var rec usageRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("failed to decode usage record: %w", err)
	}
	return &rec, entry.Revision(), nil
}
