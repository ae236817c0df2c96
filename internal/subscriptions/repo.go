package subscriptions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
)

const defaultStaleLimit = 250

// Guard pins a conditional write to the external id the caller acted on. The
// write applies only if the record still carries that id.
type Guard struct {
	Backend    enums.BillingBackend
	ExternalID string
}

// StateUpdate is the subset of columns a reconciliation write touches. Nil
// fields are left unchanged.
type StateUpdate struct {
	Status            enums.SubscriptionStatus
	CancelAtPeriodEnd *bool
	CurrentPeriodEnd  *time.Time
	// OverwritePeriodEnd writes CurrentPeriodEnd even when it is nil.
	OverwritePeriodEnd bool
	CustomerID         string
	SyncedAt           time.Time
}

// Link carries the external identity attached to a user's record.
type Link struct {
	Backend        enums.BillingBackend
	SubscriptionID string
	CustomerID     string
}

// Repository handles subscription persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindByExternalID(ctx context.Context, backend enums.BillingBackend, externalID string) (*models.Subscription, error)
	Upsert(ctx context.Context, userID uuid.UUID, link Link, state StateUpdate) (*models.Subscription, error)
	UpdateState(ctx context.Context, userID uuid.UUID, guard Guard, state StateUpdate) (bool, error)
	ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]models.Subscription, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a subscription repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// FindByUserID returns nil, nil when the user has no record.
func (r *repository) FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repository) FindByExternalID(ctx context.Context, backend enums.BillingBackend, externalID string) (*models.Subscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where(models.ExternalIDColumn(backend)+" = ?", externalID).
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// Upsert creates the user's record or attaches a new external identity to it.
// The fetched state is written only when the linked backend is the record's
// authority afterwards; a secondary linkage stores its ids and nothing else, so
// one backend drives the record at a time.
func (r *repository) Upsert(ctx context.Context, userID uuid.UUID, link Link, state StateUpdate) (*models.Subscription, error) {
	var out *models.Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		err := tx.Where("user_id = ?", userID).First(&sub).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sub = models.Subscription{UserID: userID}
		case err != nil:
			return err
		}

		subID := strings.TrimSpace(link.SubscriptionID)
		customerID := strings.TrimSpace(link.CustomerID)
		if customerID == "" {
			customerID = strings.TrimSpace(state.CustomerID)
		}
		switch link.Backend {
		case enums.BillingBackendInvoicing:
			sub.InvoicingSubscriptionID = &subID
			if customerID != "" {
				sub.InvoicingClientID = &customerID
			}
		default:
			sub.ProcessorSubscriptionID = &subID
			if customerID != "" {
				sub.ProcessorCustomerID = &customerID
			}
		}
		if authority, _, _ := sub.Authority(); authority == link.Backend {
			state.Apply(&sub)
		}

		if sub.ID == uuid.Nil {
			if err := tx.Create(&sub).Error; err != nil {
				return err
			}
		} else if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		out = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateState issues a single guarded UPDATE and reports whether a row matched.
func (r *repository) UpdateState(ctx context.Context, userID uuid.UUID, guard Guard, state StateUpdate) (bool, error) {
	updates := map[string]any{
		"status":       state.Status,
		"last_sync_at": state.SyncedAt,
	}
	if state.CancelAtPeriodEnd != nil {
		updates["cancel_at_period_end"] = *state.CancelAtPeriodEnd
	}
	if state.CurrentPeriodEnd != nil || state.OverwritePeriodEnd {
		updates["current_period_end"] = state.CurrentPeriodEnd
	}
	if id := strings.TrimSpace(state.CustomerID); id != "" {
		updates[models.CustomerIDColumn(guard.Backend)] = id
	}
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Where(models.ExternalIDColumn(guard.Backend)+" = ?", guard.ExternalID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStale returns linked records not synced since syncedBefore, oldest first.
func (r *repository) ListStale(ctx context.Context, syncedBefore time.Time, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = defaultStaleLimit
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("((invoicing_subscription_id IS NOT NULL AND invoicing_subscription_id <> '') OR (processor_subscription_id IS NOT NULL AND processor_subscription_id <> ''))").
		Where("(last_sync_at IS NULL OR last_sync_at < ?)", syncedBefore).
		Order("last_sync_at ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Apply copies the update onto an in-memory record the way UpdateState
// writes it.
func (state StateUpdate) Apply(sub *models.Subscription) {
	if state.Status != "" {
		sub.Status = state.Status
	}
	if state.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *state.CancelAtPeriodEnd
	}
	if state.CurrentPeriodEnd != nil || state.OverwritePeriodEnd {
		sub.CurrentPeriodEnd = state.CurrentPeriodEnd
	}
	if !state.SyncedAt.IsZero() {
		synced := state.SyncedAt
		sub.LastSyncAt = &synced
	}
}
