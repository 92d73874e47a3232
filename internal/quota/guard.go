package quota

import (
	"context"

	"github.com/pinegen-ai/generation-platform/internal/model"
	"github.com/pinegen-ai/generation-platform/pkg/logger"
)

// Guard is the client-side advisory quota check. It fails open on
// transport errors so an infra hiccup never blocks usage; the gateway
// remains the source of truth.
type Guard struct {
	store  Store
	logger *logger.Logger
}

// NewGuard creates a client-side quota guard.
func NewGuard(store Store, log *logger.Logger) *Guard {
	return &Guard{store: store, logger: log}
}

// Check returns the user's current allowance. On store failure the result
// is permissive with no counter data.
func (g *Guard) Check(ctx context.Context, userID, tier string) *model.QuotaInfo {
	info, err := g.store.Check(ctx, userID, tier)
	if err != nil {
		g.logger.Warn("quota check failed, allowing optimistically", "error", err, "user_id", userID)
		return &model.QuotaInfo{Allowed: true, Remaining: -1, Tier: tier}
	}
	return info
}
