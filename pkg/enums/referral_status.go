package enums

// ReferralStatus tracks whether a referral code has been claimed.
type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "pending"
	ReferralStatusCompleted ReferralStatus = "completed"
)

func (s ReferralStatus) String() string {
	return string(s)
}

func (s ReferralStatus) IsValid() bool {
	return s == ReferralStatusPending || s == ReferralStatusCompleted
}
