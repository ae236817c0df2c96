package referrals

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billsync/api/controllers/usercontext"
	"github.com/angelmondragon/billsync/api/responses"
	"github.com/angelmondragon/billsync/api/validators"
	refsvc "github.com/angelmondragon/billsync/internal/referrals"
	"github.com/angelmondragon/billsync/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/money"
)

// Service is the referral ledger surface the HTTP layer uses.
type Service interface {
	Generate(ctx context.Context, referrerID uuid.UUID) (*models.Referral, error)
	Claim(ctx context.Context, code string, referredID uuid.UUID) (*models.Referral, error)
	ApplyCredit(ctx context.Context, referredID uuid.UUID, invoiceRef string) (refsvc.CreditResult, error)
	LookupReferrer(ctx context.Context, code string) (refsvc.ReferrerView, error)
}

type claimRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type creditRequest struct {
	InvoiceRef string `json:"invoice_ref,omitempty" validate:"max=255"`
}

type referralResponse struct {
	Code            string     `json:"code"`
	Status          string     `json:"status"`
	DiscountMinor   int64      `json:"discount_minor"`
	Discount        string     `json:"discount"`
	Currency        string     `json:"currency"`
	DiscountApplied bool       `json:"discount_applied"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	AppliedAt       *time.Time `json:"applied_at,omitempty"`
}

type creditResponse struct {
	refsvc.CreditResult
	Amount string `json:"amount"`
}

func newReferralResponse(ref *models.Referral) referralResponse {
	return referralResponse{
		Code:            ref.ReferralCode,
		Status:          string(ref.Status),
		DiscountMinor:   ref.DiscountAmount,
		Discount:        money.FormatMinor(ref.DiscountAmount, ref.Currency),
		Currency:        strings.ToUpper(ref.Currency),
		DiscountApplied: ref.DiscountApplied,
		ClaimedAt:       ref.ClaimedAt,
		AppliedAt:       ref.AppliedAt,
	}
}

// ReferralGenerate returns the caller's pending code, minting one if needed.
func ReferralGenerate(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "referral service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ref, err := svc.Generate(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReferralResponse(ref))
	}
}

func ReferralClaim(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "referral service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload claimRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ref, err := svc.Claim(r.Context(), payload.Code, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReferralResponse(ref))
	}
}

// ReferralCredit realizes the caller's pending referral credit. Repeating the
// call after success answers NO_CREDIT rather than crediting again.
func ReferralCredit(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "referral service unavailable"))
			return
		}
		userID, err := usercontext.ResolveUserID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var payload creditRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.ApplyCredit(r.Context(), userID, strings.TrimSpace(payload.InvoiceRef))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, creditResponse{
			CreditResult: result,
			Amount:       money.FormatMinor(result.AmountMinor, result.Currency),
		})
	}
}

// ReferrerLookup is public; it reveals only the referrer's display name.
func ReferrerLookup(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "referral service unavailable"))
			return
		}
		code := validators.CleanIdentifier(chi.URLParam(r, "code"), 32)
		if code == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "code is required"))
			return
		}
		view, err := svc.LookupReferrer(r.Context(), code)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}
