package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billsync/pkg/enums"
)

// Referral is one issued referral code and its one-shot credit. DiscountApplied
// only ever moves from false to true. CreditTarget holds the invoice id (empty
// for a balance credit) of an attempt whose outcome is unknown; later attempts
// replay it.
type Referral struct {
	ID               uuid.UUID            `gorm:"type:uuid;primaryKey"`
	ReferrerUserID   uuid.UUID            `gorm:"column:referrer_user_id;type:uuid;not null;uniqueIndex:idx_referrals_pending_referrer,where:status = 'pending'"`
	ReferralCode     string               `gorm:"column:referral_code;type:text;not null;uniqueIndex"`
	ReferredUserID   *uuid.UUID           `gorm:"column:referred_user_id;type:uuid;uniqueIndex"`
	Status           enums.ReferralStatus `gorm:"column:status;type:text;not null"`
	DiscountApplied  bool                 `gorm:"column:discount_applied;not null;default:false"`
	DiscountAmount   int64                `gorm:"column:discount_amount;not null"`
	Currency         string               `gorm:"column:currency;type:text;not null"`
	CouponID         string               `gorm:"column:coupon_id;type:text;not null"`
	CreditID         *string              `gorm:"column:credit_id"`
	CreditClaimToken *string              `gorm:"column:credit_claim_token"`
	CreditClaimedAt  *time.Time           `gorm:"column:credit_claimed_at"`
	CreditTarget     *string              `gorm:"column:credit_target"`
	ClaimedAt        *time.Time           `gorm:"column:claimed_at"`
	AppliedAt        *time.Time           `gorm:"column:applied_at"`
	CreatedAt        time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *Referral) BeforeCreate(*gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
