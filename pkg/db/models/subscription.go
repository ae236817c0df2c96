package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billsync/pkg/enums"
)

// Subscription is the merged, last-known billing state for a user. It is
// written only by the reconciliation engine and never hard-deleted.
type Subscription struct {
	ID                      uuid.UUID                `gorm:"type:uuid;primaryKey"`
	UserID                  uuid.UUID                `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Status                  enums.SubscriptionStatus `gorm:"column:status;type:text;not null"`
	CancelAtPeriodEnd       bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CurrentPeriodEnd        *time.Time               `gorm:"column:current_period_end"`
	ProcessorSubscriptionID *string                  `gorm:"column:processor_subscription_id;index"`
	ProcessorCustomerID     *string                  `gorm:"column:processor_customer_id"`
	InvoicingSubscriptionID *string                  `gorm:"column:invoicing_subscription_id;index"`
	InvoicingClientID       *string                  `gorm:"column:invoicing_client_id"`
	LastSyncAt              *time.Time               `gorm:"column:last_sync_at;index"`
	CreatedAt               time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Authority returns the backend that drives lifecycle writes for the record
// and its external subscription id. The invoicing id wins when both are set.
func (s *Subscription) Authority() (enums.BillingBackend, string, bool) {
	if s == nil {
		return "", "", false
	}
	if id := trimmed(s.InvoicingSubscriptionID); id != "" {
		return enums.BillingBackendInvoicing, id, true
	}
	if id := trimmed(s.ProcessorSubscriptionID); id != "" {
		return enums.BillingBackendProcessor, id, true
	}
	return "", "", false
}

// CustomerID returns the external customer id recorded for backend.
func (s *Subscription) CustomerID(backend enums.BillingBackend) string {
	if s == nil {
		return ""
	}
	switch backend {
	case enums.BillingBackendInvoicing:
		return trimmed(s.InvoicingClientID)
	case enums.BillingBackendProcessor:
		return trimmed(s.ProcessorCustomerID)
	}
	return ""
}

// HasAccess applies the entitlement policy. A canceled subscription still
// grants access until the end of the paid period when cancellation was
// scheduled rather than immediate.
func (s *Subscription) HasAccess(now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case enums.SubscriptionStatusActive, enums.SubscriptionStatusTrialing, enums.SubscriptionStatusPastDue:
		return true
	case enums.SubscriptionStatusCanceled:
		return s.CancelAtPeriodEnd && s.CurrentPeriodEnd != nil && now.Before(*s.CurrentPeriodEnd)
	}
	return false
}

// ExternalIDColumn returns the column holding the subscription id for backend.
func ExternalIDColumn(backend enums.BillingBackend) string {
	if backend == enums.BillingBackendInvoicing {
		return "invoicing_subscription_id"
	}
	return "processor_subscription_id"
}

func trimmed(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

// CustomerIDColumn returns the column holding the customer id for backend.
func CustomerIDColumn(backend enums.BillingBackend) string {
	if backend == enums.BillingBackendInvoicing {
		return "invoicing_client_id"
	}
	return "processor_customer_id"
}
