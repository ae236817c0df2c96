package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
)

// View is the merged subscription state returned to callers.
type View struct {
	UserID            uuid.UUID                `json:"user_id"`
	Status            enums.SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool                     `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time               `json:"current_period_end,omitempty"`
	Backend           enums.BillingBackend     `json:"backend,omitempty"`
	ExternalID        string                   `json:"external_id,omitempty"`
	LastSyncAt        *time.Time               `json:"last_sync_at,omitempty"`
	HasAccess         bool                     `json:"has_access"`
}

func viewOf(sub *models.Subscription, now time.Time) *View {
	backend, externalID, _ := sub.Authority()
	return &View{
		UserID:            sub.UserID,
		Status:            sub.Status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		Backend:           backend,
		ExternalID:        externalID,
		LastSyncAt:        sub.LastSyncAt,
		HasAccess:         sub.HasAccess(now),
	}
}
