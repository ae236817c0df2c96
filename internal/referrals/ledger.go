package referrals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/angelmondragon/billsync/internal/billingbackend"
	"github.com/angelmondragon/billsync/pkg/config"
	"github.com/angelmondragon/billsync/pkg/db"
	"github.com/angelmondragon/billsync/pkg/db/models"
	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
	"github.com/angelmondragon/billsync/pkg/logger"
	"github.com/angelmondragon/billsync/pkg/metrics"
)

const (
	codePrefix      = "REF-"
	maxMintAttempts = 3
	defaultLease    = 2 * time.Minute
	defaultCacheTTL = 10 * time.Minute
	defaultCacheCap = 1024
	writeTimeout    = 5 * time.Second
)

var codePattern = regexp.MustCompile(`^REF-[0-9A-F]{8}-[0-9A-Z]{3}$`)

// SubscriptionReader is the slice of the subscription store the ledger needs.
type SubscriptionReader interface {
	FindByUserID(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// UserDirectory resolves display names for referrer lookups.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// LedgerParams wires the ledger dependencies.
type LedgerParams struct {
	Repo          Repository
	Subscriptions SubscriptionReader
	Users         UserDirectory
	Discounts     billingbackend.DiscountClient
	Config        config.ReferralConfig
	Logger        *logger.Logger
	Metrics       *metrics.BillingMetrics
	Now           func() time.Time
	NewToken      func() string
}

// Ledger issues referral codes, binds them to referred users and realizes the
// one-shot credit once the referred user's subscription is confirmed.
type Ledger struct {
	repo          Repository
	subscriptions SubscriptionReader
	users         UserDirectory
	discounts     billingbackend.DiscountClient
	amount        int64
	currency      string
	lease         time.Duration
	names         *expirable.LRU[string, string]
	logg          *logger.Logger
	metrics       *metrics.BillingMetrics
	now           func() time.Time
	newToken      func() string
}

// ReferrerView is the public projection of a code's owner.
type ReferrerView struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
}

// CreditResult describes a realized referral credit.
type CreditResult struct {
	ReferralID  uuid.UUID                 `json:"referral_id"`
	CreditID    string                    `json:"credit_id"`
	Kind        billingbackend.CreditKind `json:"kind"`
	AmountMinor int64                     `json:"amount_minor"`
	Currency    string                    `json:"currency"`
}

func NewLedger(params LedgerParams) (*Ledger, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("referral repository required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription reader required")
	}
	if params.Discounts == nil {
		return nil, fmt.Errorf("discount client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Config.DiscountAmount <= 0 {
		return nil, fmt.Errorf("referral discount amount must be positive")
	}
	lease := params.Config.CreditLease
	if lease <= 0 {
		lease = defaultLease
	}
	size := params.Config.CacheSize
	if size <= 0 {
		size = defaultCacheCap
	}
	ttl := params.Config.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newToken := params.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	currency := strings.ToLower(strings.TrimSpace(params.Config.Currency))
	if currency == "" {
		currency = "usd"
	}
	return &Ledger{
		repo:          params.Repo,
		subscriptions: params.Subscriptions,
		users:         params.Users,
		discounts:     params.Discounts,
		amount:        params.Config.DiscountAmount,
		currency:      currency,
		lease:         lease,
		names:         expirable.NewLRU[string, string](size, nil, ttl),
		logg:          params.Logger,
		metrics:       params.Metrics,
		now:           now,
		newToken:      newToken,
	}, nil
}

// MintCode derives a code from the referrer id and a millisecond clock.
func MintCode(referrerID uuid.UUID, at time.Time) string {
	sum := sha256.Sum256([]byte(referrerID.String()))
	prefix := strings.ToUpper(hex.EncodeToString(sum[:])[:8])
	suffix := strings.ToUpper(strconv.FormatInt(at.UnixMilli(), 36))
	if len(suffix) > 3 {
		suffix = suffix[len(suffix)-3:]
	}
	for len(suffix) < 3 {
		suffix = "0" + suffix
	}
	return codePrefix + prefix + "-" + suffix
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Generate returns the referrer's pending code, minting one when none exists.
func (l *Ledger) Generate(ctx context.Context, referrerID uuid.UUID) (*models.Referral, error) {
	ctx = l.logg.WithOperation(l.logg.WithUserID(ctx, referrerID.String()), "referral.generate")
	existing, err := l.repo.FindPendingByReferrer(ctx, referrerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load pending referral")
	}
	if existing != nil {
		return existing, nil
	}

	base := l.now()
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		code := MintCode(referrerID, base.Add(time.Duration(attempt)*time.Millisecond))
		taken, err := l.repo.FindByCode(ctx, code)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check referral code")
		}
		if taken != nil {
			l.logg.Warn(l.logg.WithField(ctx, "referral_code", code), "referral code already recorded; minting next")
			continue
		}
		discount, err := l.discounts.IssueDiscount(ctx, billingbackend.DiscountRequest{
			AmountMinor: l.amount,
			Currency:    l.currency,
			Code:        code,
			Metadata:    map[string]string{"referrer_user_id": referrerID.String()},
		})
		if pkgerrors.IsCode(err, pkgerrors.CodeConflict) {
			// The coupon id outlived its row, or another service owns it.
			l.logg.Warn(l.logg.WithField(ctx, "referral_code", code), "referral coupon already exists; minting next")
			continue
		}
		if err != nil {
			return nil, err
		}

		ref := &models.Referral{
			ReferrerUserID: referrerID,
			ReferralCode:   code,
			Status:         enums.ReferralStatusPending,
			DiscountAmount: l.amount,
			Currency:       l.currency,
			CouponID:       discount.ID,
		}
		err = l.repo.Create(ctx, ref)
		if err == nil {
			l.logg.Info(l.logg.WithField(ctx, "referral_code", code), "referral code issued")
			return ref, nil
		}
		if !db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist referral")
		}

		// A concurrent generate for the same referrer wins the pending index;
		// otherwise the code itself collided and the next suffix is tried.
		winner, rerr := l.repo.FindPendingByReferrer(ctx, referrerID)
		if rerr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDuplicateActiveCode, rerr, "re-read pending referral")
		}
		if winner != nil {
			return winner, nil
		}
		l.logg.Warn(l.logg.WithField(ctx, "referral_code", code), "referral code collided; minting next")
	}
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "could not mint a unique referral code")
}

// Claim binds code to the referred user. Unknown, claimed, malformed and
// self-owned codes are indistinguishable to the caller.
func (l *Ledger) Claim(ctx context.Context, rawCode string, referredID uuid.UUID) (*models.Referral, error) {
	code := NormalizeCode(rawCode)
	ctx = l.logg.WithOperation(l.logg.WithUserID(ctx, referredID.String()), "referral.claim")
	if !codePattern.MatchString(code) {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidCode, "referral code is invalid")
	}
	claimed, err := l.repo.Claim(ctx, code, referredID, l.now())
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeInvalidCode, "referral code is invalid")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim referral")
	}
	if !claimed {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidCode, "referral code is invalid")
	}
	ref, err := l.repo.FindByCode(ctx, code)
	if err != nil || ref == nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload claimed referral")
	}
	l.logg.Info(l.logg.WithField(ctx, "referral_code", code), "referral code claimed")
	return ref, nil
}

// ApplyCredit realizes the referred user's pending credit at most once.
// invoiceRef, when set, targets a specific processor invoice.
func (l *Ledger) ApplyCredit(ctx context.Context, referredID uuid.UUID, invoiceRef string) (CreditResult, error) {
	result, err := l.applyCredit(l.logg.WithOperation(l.logg.WithUserID(ctx, referredID.String()), "referral.apply_credit"), referredID, invoiceRef)
	l.metrics.ObserveCredit(err)
	return result, err
}

func (l *Ledger) applyCredit(ctx context.Context, referredID uuid.UUID, invoiceRef string) (CreditResult, error) {
	ref, err := l.repo.FindUncredited(ctx, referredID)
	if err != nil {
		return CreditResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load referral")
	}
	if ref == nil {
		return CreditResult{}, pkgerrors.New(pkgerrors.CodeNoCredit, "no referral credit available")
	}

	sub, err := l.subscriptions.FindByUserID(ctx, referredID)
	if err != nil {
		return CreditResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub == nil || !sub.Status.Confirmed() {
		return CreditResult{}, pkgerrors.New(pkgerrors.CodeNoCredit, "subscription not confirmed yet")
	}
	customerID := sub.CustomerID(enums.BillingBackendProcessor)
	if customerID == "" {
		return CreditResult{}, pkgerrors.New(pkgerrors.CodeNotLinked, "no processor customer for credit")
	}

	token := l.newToken()
	leased, err := l.repo.AcquireCreditLease(ctx, ref.ID, token, l.now(), l.lease)
	if err != nil {
		return CreditResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "acquire credit lease")
	}
	if !leased {
		return CreditResult{}, pkgerrors.New(pkgerrors.CodeNoCredit, "credit already in progress")
	}

	requested := strings.TrimSpace(invoiceRef)
	target, err := l.repo.PinCreditTarget(ctx, ref.ID, token, requested)
	if err != nil {
		l.releaseLease(context.WithoutCancel(ctx), ref.ID, token)
		return CreditResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "pin credit target")
	}
	if target != requested {
		l.logg.Warn(l.logg.WithFields(ctx, map[string]any{
			"referral_id": ref.ID.String(),
			"invoice_ref": requested,
			"pinned_ref":  target,
		}), "credit target pinned by an unresolved attempt")
	}

	credit, err := l.discounts.ApplyCredit(ctx, billingbackend.CreditRequest{
		CustomerID:     customerID,
		InvoiceRef:     target,
		CouponID:       ref.CouponID,
		AmountMinor:    ref.DiscountAmount,
		Currency:       ref.Currency,
		IdempotencyKey: creditIdempotencyKey(ref.ID, target),
	})
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err != nil {
		if pkgerrors.IsRetryable(err) {
			// The outcome is unknown; the target stays pinned for the replay.
			l.releaseLease(writeCtx, ref.ID, token)
		} else if relErr := l.repo.ForgetCreditTarget(writeCtx, ref.ID, token); relErr != nil {
			l.logg.Error(ctx, "forget credit target", relErr)
		}
		return CreditResult{}, err
	}

	applied, err := l.repo.MarkCredited(writeCtx, ref.ID, token, credit.ID, l.now())
	if err != nil {
		return CreditResult{}, pkgerrors.Wrap(pkgerrors.CodeStateDrift, err, "record applied credit")
	}
	if !applied {
		// The lease expired mid-call; the next holder replays the pinned
		// target under the same idempotency key and records the flip.
		l.logg.Warn(l.logg.WithField(ctx, "referral_id", ref.ID.String()), "credit lease lost before recording")
	}
	l.logg.Info(l.logg.WithField(ctx, "referral_id", ref.ID.String()), "referral credit applied")
	return CreditResult{
		ReferralID:  ref.ID,
		CreditID:    credit.ID,
		Kind:        credit.Kind,
		AmountMinor: ref.DiscountAmount,
		Currency:    ref.Currency,
	}, nil
}

func (l *Ledger) releaseLease(ctx context.Context, id uuid.UUID, token string) {
	if err := l.repo.ReleaseCreditLease(ctx, id, token); err != nil {
		l.logg.Error(ctx, "release credit lease", err)
	}
}

// creditIdempotencyKey is stable per referral and target. A balance credit
// keeps the bare referral key.
func creditIdempotencyKey(id uuid.UUID, target string) string {
	key := "referral-credit-" + id.String()
	if target != "" {
		key += "-" + target
	}
	return key
}

// LookupReferrer resolves a code to its owner's display name.
func (l *Ledger) LookupReferrer(ctx context.Context, rawCode string) (ReferrerView, error) {
	code := NormalizeCode(rawCode)
	if name, ok := l.names.Get(code); ok {
		return ReferrerView{Code: code, DisplayName: name}, nil
	}
	if !codePattern.MatchString(code) {
		return ReferrerView{}, pkgerrors.New(pkgerrors.CodeNotFound, "referral code not found")
	}
	ref, err := l.repo.FindByCode(ctx, code)
	if err != nil {
		return ReferrerView{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load referral")
	}
	if ref == nil {
		return ReferrerView{}, pkgerrors.New(pkgerrors.CodeNotFound, "referral code not found")
	}
	if l.users == nil {
		return ReferrerView{}, pkgerrors.New(pkgerrors.CodeInternal, "user directory not configured")
	}
	name, err := l.users.DisplayName(ctx, ref.ReferrerUserID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return ReferrerView{}, pkgerrors.New(pkgerrors.CodeNotFound, "referral code not found")
		}
		return ReferrerView{}, err
	}
	l.names.Add(code, name)
	return ReferrerView{Code: code, DisplayName: name}, nil
}
