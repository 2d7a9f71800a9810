package models

import "time"

const (
	EntryDeduction = "deduction"
	EntryCredit    = "credit"
	EntryDenial    = "denial"
)

// LedgerEntry is one immutable balance-affecting event. EntryID doubles as
// the idempotency key: external credit events reuse the payment processor's
// event id, so redelivery cannot credit twice.
type LedgerEntry struct {
	EntryID       string    `json:"entry_id"`
	LicenseKey    string    `json:"license_key"`
	Kind          string    `json:"kind"`
	AmountSeconds int64     `json:"amount_seconds"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// AmountHours converts the signed second amount for display.
func (e *LedgerEntry) AmountHours() float64 {
	return float64(e.AmountSeconds) / 3600.0
}
