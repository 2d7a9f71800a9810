package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

func newTestTracker(t *testing.T, balanceSeconds int64) (*Tracker, *storage.MemoryStorage, *time.Time) {
	t.Helper()

	store := storage.NewMemoryStorage()
	now := time.Now()
	err := store.CreateLicense(context.Background(), &models.License{
		Key:       "DWL-TRACK",
		Status:    models.StatusActive,
		Tier:      models.TierStandard,
		ExpiresAt: now.AddDate(1, 0, 0),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Failed to create license: %v", err)
	}

	if balanceSeconds > 0 {
		entry := models.LedgerEntry{
			EntryID:       uuid.Must(uuid.NewRandom()).String(),
			LicenseKey:    "DWL-TRACK",
			Kind:          models.EntryCredit,
			AmountSeconds: balanceSeconds,
			Timestamp:     now,
			Source:        "test-seed",
		}
		if _, err := store.ApplyDelta(context.Background(), "DWL-TRACK", balanceSeconds, entry); err != nil {
			t.Fatalf("Failed to seed balance: %v", err)
		}
	}

	clock := now
	tracker := NewTracker(store, 6*time.Minute, 2*time.Hour)
	tracker.now = func() time.Time { return clock }

	return tracker, store, &clock
}

func balanceOf(t *testing.T, store storage.Storage) int64 {
	t.Helper()
	license, err := store.GetLicense(context.Background(), "DWL-TRACK")
	if err != nil {
		t.Fatalf("GetLicense failed: %v", err)
	}
	return license.BalanceSeconds
}

func deductions(t *testing.T, store storage.Storage) []models.LedgerEntry {
	t.Helper()
	entries, err := store.LedgerHistory(context.Background(), "DWL-TRACK", time.Time{}, 0)
	if err != nil {
		t.Fatalf("LedgerHistory failed: %v", err)
	}
	var result []models.LedgerEntry
	for _, entry := range entries {
		if entry.Kind == models.EntryDeduction {
			result = append(result, entry)
		}
	}
	return result
}

func TestTouch_CreatesThenHeartbeats(t *testing.T) {
	tracker, _, clock := newTestTracker(t, 3600)

	first := tracker.Touch("DWL-TRACK")
	if first.ID == "" {
		t.Fatal("Expected a session id")
	}
	if tracker.ActiveCount() != 1 {
		t.Fatalf("Expected 1 active session, got %d", tracker.ActiveCount())
	}

	*clock = clock.Add(time.Minute)
	second := tracker.Touch("DWL-TRACK")
	if second.ID != first.ID {
		t.Error("Touch on an active session must not create a new one")
	}
	if !second.LastHeartbeatAt.After(first.LastHeartbeatAt) {
		t.Error("Touch must advance the heartbeat")
	}
}

func TestSweep_SingleIntervalDeduction(t *testing.T) {
	tracker, store, clock := newTestTracker(t, 3600)
	ctx := context.Background()

	tracker.Touch("DWL-TRACK")
	*clock = clock.Add(360 * time.Second)

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	entries := deductions(t, store)
	if len(entries) != 1 {
		t.Fatalf("Expected exactly one deduction entry, got %d", len(entries))
	}
	if entries[0].AmountSeconds != -360 {
		t.Errorf("Expected deduction of -360 seconds, got %d", entries[0].AmountSeconds)
	}
	if got := balanceOf(t, store); got != 3240 {
		t.Errorf("Expected balance 3240, got %d", got)
	}

	// Unbilled time was reset: an immediate second sweep deducts nothing
	if err := tracker.Sweep(ctx); err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if len(deductions(t, store)) != 1 {
		t.Error("Sweep without elapsed time must not produce a deduction")
	}
}

func TestSweep_ExhaustionClosesSessionWithoutOverdraw(t *testing.T) {
	// 1.0 hour balance, 0.1 hour per sweep interval
	tracker, store, clock := newTestTracker(t, 3600)
	ctx := context.Background()

	tracker.Touch("DWL-TRACK")

	for i := 0; i < 3; i++ {
		*clock = clock.Add(360 * time.Second)
		tracker.Touch("DWL-TRACK")
		if err := tracker.Sweep(ctx); err != nil {
			t.Fatalf("Sweep %d failed: %v", i+1, err)
		}
	}

	if got := balanceOf(t, store); got != 2520 {
		t.Fatalf("Expected 0.7h (2520s) after 3 sweeps, got %d", got)
	}

	// Next interval is longer than the remaining balance
	*clock = clock.Add(3600 * time.Second)
	tracker.Touch("DWL-TRACK")
	if err := tracker.Sweep(ctx); err != nil {
		t.Fatalf("Exhaustion sweep failed: %v", err)
	}

	if got := balanceOf(t, store); got != 2520 {
		t.Errorf("Rejected deduction must not change the balance, got %d", got)
	}
	if tracker.ActiveCount() != 0 {
		t.Error("Session must be closed when the balance cannot cover its time")
	}
	if len(deductions(t, store)) != 3 {
		t.Errorf("Expected 3 committed deductions, got %d", len(deductions(t, store)))
	}
}

func TestSweep_IdleSessionClosedWithFinalFlush(t *testing.T) {
	tracker, store, clock := newTestTracker(t, 4*3600)
	ctx := context.Background()

	tracker.Touch("DWL-TRACK")
	*clock = clock.Add(3 * time.Hour) // past the 2h idle timeout

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if tracker.ActiveCount() != 0 {
		t.Error("Idle session must be closed")
	}
	entries := deductions(t, store)
	if len(entries) != 1 {
		t.Fatalf("Expected one final-flush deduction, got %d", len(entries))
	}
	if entries[0].AmountSeconds != -3*3600 {
		t.Errorf("Expected final flush of -10800 seconds, got %d", entries[0].AmountSeconds)
	}
}

func TestSweep_IdleFlushSkippedOnEmptyBalance(t *testing.T) {
	tracker, store, clock := newTestTracker(t, 60)
	ctx := context.Background()

	tracker.Touch("DWL-TRACK")
	*clock = clock.Add(3 * time.Hour)

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if tracker.ActiveCount() != 0 {
		t.Error("Idle session must be closed even when the flush cannot be billed")
	}
	if len(deductions(t, store)) != 0 {
		t.Error("Final flush exceeding the balance must be skipped, not forced")
	}
	if got := balanceOf(t, store); got != 60 {
		t.Errorf("Balance must be untouched by a skipped flush, got %d", got)
	}
}

func TestCloseSession_FlushesRemainingTime(t *testing.T) {
	tracker, store, clock := newTestTracker(t, 3600)
	ctx := context.Background()

	tracker.Touch("DWL-TRACK")
	*clock = clock.Add(120 * time.Second)
	tracker.CloseSession(ctx, "DWL-TRACK")

	if tracker.ActiveCount() != 0 {
		t.Error("Explicit close must remove the session")
	}
	entries := deductions(t, store)
	if len(entries) != 1 || entries[0].AmountSeconds != -120 {
		t.Errorf("Expected one -120s deduction on close, got %+v", entries)
	}
}

// flakyStore fails ApplyDelta a configured number of times before
// delegating, simulating transient store failures.
type flakyStore struct {
	storage.Storage
	failures int
}

var errTransient = errors.New("store temporarily unavailable")

func (f *flakyStore) ApplyDelta(ctx context.Context, key string, delta int64, entry models.LedgerEntry) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errTransient
	}
	return f.Storage.ApplyDelta(ctx, key, delta, entry)
}

func TestSweep_TransientFailureRetriesWithoutDoubleCounting(t *testing.T) {
	tracker, store, clock := newTestTracker(t, 3600)
	ctx := context.Background()

	flaky := &flakyStore{Storage: store, failures: 10}
	tracker.store = flaky

	tracker.Touch("DWL-TRACK")
	*clock = clock.Add(300 * time.Second)
	tracker.Touch("DWL-TRACK")

	if err := tracker.Sweep(ctx); err == nil {
		t.Fatal("Expected sweep to surface the transient failure")
	}
	if got := balanceOf(t, store); got != 3600 {
		t.Fatalf("Failed sweep must not touch the balance, got %d", got)
	}

	// Store heals; the next sweep bills the retained time plus the new
	// interval exactly once
	flaky.failures = 0
	*clock = clock.Add(300 * time.Second)
	tracker.Touch("DWL-TRACK")

	if err := tracker.Sweep(ctx); err != nil {
		t.Fatalf("Sweep after recovery failed: %v", err)
	}

	entries := deductions(t, store)
	if len(entries) != 1 {
		t.Fatalf("Expected one combined deduction, got %d", len(entries))
	}
	if entries[0].AmountSeconds != -600 {
		t.Errorf("Expected combined -600s deduction, got %d", entries[0].AmountSeconds)
	}
	if got := balanceOf(t, store); got != 3000 {
		t.Errorf("Expected balance 3000, got %d", got)
	}
}
