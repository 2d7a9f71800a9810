// Package credit applies verified purchase events to license balances
// exactly once per external event id.
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"datawell.app/cloud/internal/catalog"
	"datawell.app/cloud/internal/logger"
	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

// Event is a purchase confirmation from the payment processor. EventID is
// the processor's unique event id and becomes the ledger idempotency key.
type Event struct {
	EventID    string
	LicenseKey string
	Hours      float64
}

type Processor struct {
	store storage.Storage
}

func NewProcessor(store storage.Storage) *Processor {
	return &Processor{store: store}
}

// Process credits the purchased hours. Redelivered events are a no-op: the
// ledger already holds an entry under the same event id, so ApplyDelta
// rejects the replay before touching the balance. Returns the new balance
// in seconds, and alreadyCredited=true for replays.
func (p *Processor) Process(ctx context.Context, evt Event) (int64, bool, error) {
	if evt.EventID == "" {
		return 0, false, errors.New("missing event id")
	}
	if evt.Hours <= 0 {
		return 0, false, fmt.Errorf("invalid hour amount %v", evt.Hours)
	}

	seconds := catalog.HoursToSeconds(evt.Hours)
	entry := models.LedgerEntry{
		EntryID:       evt.EventID,
		LicenseKey:    evt.LicenseKey,
		Kind:          models.EntryCredit,
		AmountSeconds: seconds,
		Timestamp:     time.Now(),
		Source:        evt.EventID,
	}

	balance, err := p.store.ApplyDelta(ctx, evt.LicenseKey, seconds, entry)
	if errors.Is(err, storage.ErrDuplicateEntry) {
		logger.Info("Purchase already credited, ignoring redelivery", map[string]interface{}{
			"event_id":    evt.EventID,
			"license_key": evt.LicenseKey,
		})

		license, getErr := p.store.GetLicense(ctx, evt.LicenseKey)
		if getErr != nil {
			return 0, true, nil
		}
		return license.BalanceSeconds, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to credit purchase: %w", err)
	}

	logger.Info("Purchase credited", map[string]interface{}{
		"event_id":        evt.EventID,
		"license_key":     evt.LicenseKey,
		"hours":           evt.Hours,
		"balance_seconds": balance,
	})
	return balance, false, nil
}
