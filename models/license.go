package models

import "time"

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusExpired   = "expired"
)

const (
	TierTrial        = "trial"
	TierStandard     = "standard"
	TierProfessional = "professional"
)

// License is a prepaid credential. BalanceSeconds only changes through
// storage.ApplyDelta, so it always equals the sum of the license's ledger
// entries.
type License struct {
	Key            string    `json:"license_key"`
	BalanceSeconds int64     `json:"balance_seconds"`
	Status         string    `json:"status"`
	Tier           string    `json:"tier"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BalanceHours converts the stored second balance for display.
func (l *License) BalanceHours() float64 {
	return float64(l.BalanceSeconds) / 3600.0
}

// ExpiredAt reports whether the license is past its expiry at the given time.
func (l *License) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
