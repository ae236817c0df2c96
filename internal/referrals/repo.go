package referrals

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
)

// Repository handles referral persistence. Every state change is a single
// guarded UPDATE so concurrent callers race on row-level atomicity.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, referral *models.Referral) error
	FindByCode(ctx context.Context, code string) (*models.Referral, error)
	FindPendingByReferrer(ctx context.Context, referrerID uuid.UUID) (*models.Referral, error)
	FindUncredited(ctx context.Context, referredID uuid.UUID) (*models.Referral, error)
	Claim(ctx context.Context, code string, referredID uuid.UUID, at time.Time) (bool, error)
	AcquireCreditLease(ctx context.Context, id uuid.UUID, token string, now time.Time, lease time.Duration) (bool, error)
	MarkCredited(ctx context.Context, id uuid.UUID, token, creditID string, at time.Time) (bool, error)
	ReleaseCreditLease(ctx context.Context, id uuid.UUID, token string) error
	PinCreditTarget(ctx context.Context, id uuid.UUID, token, target string) (string, error)
	ForgetCreditTarget(ctx context.Context, id uuid.UUID, token string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a referral repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, referral *models.Referral) error {
	return r.db.WithContext(ctx).Create(referral).Error
}

func (r *repository) FindByCode(ctx context.Context, code string) (*models.Referral, error) {
	return r.first(ctx, "referral_code = ?", code)
}

func (r *repository) FindPendingByReferrer(ctx context.Context, referrerID uuid.UUID) (*models.Referral, error) {
	return r.first(ctx, "referrer_user_id = ? AND status = ?", referrerID, enums.ReferralStatusPending)
}

func (r *repository) FindUncredited(ctx context.Context, referredID uuid.UUID) (*models.Referral, error) {
	return r.first(ctx, "referred_user_id = ? AND status = ? AND discount_applied = ?", referredID, enums.ReferralStatusCompleted, false)
}

func (r *repository) first(ctx context.Context, query string, args ...any) (*models.Referral, error) {
	var ref models.Referral
	if err := r.db.WithContext(ctx).Where(query, args...).First(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}

// Claim binds the code to referredID when the code is still pending and
// unclaimed. The referrer can never claim their own code.
func (r *repository) Claim(ctx context.Context, code string, referredID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("referral_code = ? AND status = ? AND referred_user_id IS NULL AND referrer_user_id <> ?",
			code, enums.ReferralStatusPending, referredID).
		Updates(map[string]any{
			"referred_user_id": referredID,
			"status":           enums.ReferralStatusCompleted,
			"claimed_at":       at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AcquireCreditLease takes the credit lease unless another holder's lease is
// still fresh.
func (r *repository) AcquireCreditLease(ctx context.Context, id uuid.UUID, token string, now time.Time, lease time.Duration) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("id = ? AND discount_applied = ?", id, false).
		Where("(credit_claim_token IS NULL OR credit_claimed_at < ?)", now.Add(-lease)).
		Updates(map[string]any{
			"credit_claim_token": token,
			"credit_claimed_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCredited flips discount_applied for the lease holder only.
func (r *repository) MarkCredited(ctx context.Context, id uuid.UUID, token, creditID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("id = ? AND credit_claim_token = ? AND discount_applied = ?", id, token, false).
		Updates(map[string]any{
			"discount_applied": true,
			"credit_id":        creditID,
			"applied_at":       at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ReleaseCreditLease(ctx context.Context, id uuid.UUID, token string) error {
	return r.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("id = ? AND credit_claim_token = ? AND discount_applied = ?", id, token, false).
		Updates(map[string]any{
			"credit_claim_token": nil,
			"credit_claimed_at":  nil,
		}).Error
}

// PinCreditTarget records target for the lease holder unless an earlier
// attempt already pinned one, and returns the target in force.
func (r *repository) PinCreditTarget(ctx context.Context, id uuid.UUID, token, target string) (string, error) {
	err := r.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("id = ? AND credit_claim_token = ? AND credit_target IS NULL", id, token).
		Update("credit_target", target).Error
	if err != nil {
		return "", err
	}
	var ref models.Referral
	if err := r.db.WithContext(ctx).Select("credit_target").Where("id = ?", id).First(&ref).Error; err != nil {
		return "", err
	}
	if ref.CreditTarget == nil {
		return target, nil
	}
	return *ref.CreditTarget, nil
}

// ForgetCreditTarget releases the lease and clears the pinned target. Only
// use it once the processor has rejected the attempt outright.
func (r *repository) ForgetCreditTarget(ctx context.Context, id uuid.UUID, token string) error {
	return r.db.WithContext(ctx).
		Model(&models.Referral{}).
		Where("id = ? AND credit_claim_token = ? AND discount_applied = ?", id, token, false).
		Updates(map[string]any{
			"credit_claim_token": nil,
			"credit_claimed_at":  nil,
			"credit_target":      nil,
		}).Error
}
