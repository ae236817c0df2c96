package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/billsync/internal/reconcile"
	"github.com/angelmondragon/billsync/pkg/enums"
)

// DefaultGuardTTL outlasts the retry windows of both providers.
const DefaultGuardTTL = 72 * time.Hour

type guardStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	WebhookKey(provider, eventID string) string
}

// Syncer resyncs the user linked to an external subscription id.
type Syncer interface {
	ForceSyncByExternalID(ctx context.Context, backend enums.BillingBackend, externalID string) (*reconcile.View, error)
}

// Guard marks provider event ids as processed so redeliveries are acknowledged
// without a second resync.
type Guard struct {
	store    guardStore
	ttl      time.Duration
	provider string
}

func NewGuard(store guardStore, ttl time.Duration, provider string) (*Guard, error) {
	if store == nil {
		return nil, errors.New("webhook store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	return &Guard{store: store, ttl: ttl, provider: provider}, nil
}

// CheckAndMark reports whether the event was already seen, marking it if not.
func (g *Guard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.WebhookKey(g.provider, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set webhook key: %w", err)
	}
	return !set, nil
}

// Delete clears the mark so a failed event can be redelivered.
func (g *Guard) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.WebhookKey(g.provider, eventID))
}
