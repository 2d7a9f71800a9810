package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"datawell.app/cloud/models"
)

var (
	// ErrNotFound means no license exists for the given key.
	ErrNotFound = errors.New("license not found")

	// ErrInsufficientBalance means the delta would drive the balance negative.
	// The call has no effect.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateEntry means a ledger entry with the same entry id was
	// already recorded. The call is a no-op replay, not a failure.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
)

// Storage is the single source of truth for license balances. ApplyDelta is
// the only mutation path for balance_seconds: it serializes per license key
// and commits the balance change and its ledger entry in one transaction.
type Storage interface {
	GetLicense(ctx context.Context, key string) (*models.License, error)
	CreateLicense(ctx context.Context, license *models.License) error

	// ApplyDelta atomically applies a signed second delta and appends its
	// ledger entry. Returns the new balance. Fails with
	// ErrInsufficientBalance if balance+delta < 0, ErrDuplicateEntry if
	// entry.EntryID was already recorded, ErrNotFound for unknown keys.
	// Callers for different keys never block each other.
	ApplyDelta(ctx context.Context, key string, deltaSeconds int64, entry models.LedgerEntry) (int64, error)

	SetStatus(ctx context.Context, key, status string) error
	MarkExpiredIfDue(ctx context.Context, key string, now time.Time) error

	// AppendLedger records an audit entry that does not touch the balance
	// (denials). Idempotent on entry id.
	AppendLedger(ctx context.Context, entry models.LedgerEntry) error

	// LedgerHistory returns entries for a license since the given time,
	// ordered by timestamp ascending. limit <= 0 means no limit.
	LedgerHistory(ctx context.Context, key string, since time.Time, limit int) ([]models.LedgerEntry, error)

	// RecomputeBalance sums the license's ledger entries independently of
	// the cached balance, for drift detection.
	RecomputeBalance(ctx context.Context, key string) (int64, error)

	Close() error
}

// MemoryStorage keeps everything in maps. Used by tests and local runs.
type MemoryStorage struct {
	mu       sync.RWMutex
	Licenses map[string]models.License
	entries  map[string]models.LedgerEntry
	ledger   []models.LedgerEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Licenses: make(map[string]models.License),
		entries:  make(map[string]models.LedgerEntry),
	}
}

func (m *MemoryStorage) GetLicense(ctx context.Context, key string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	license, exists := m.Licenses[key]
	if !exists {
		return nil, ErrNotFound
	}
	return &license, nil
}

func (m *MemoryStorage) CreateLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Licenses[license.Key] = *license
	return nil
}

func (m *MemoryStorage) ApplyDelta(ctx context.Context, key string, deltaSeconds int64, entry models.LedgerEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.EntryID]; exists {
		return 0, ErrDuplicateEntry
	}

	license, exists := m.Licenses[key]
	if !exists {
		return 0, ErrNotFound
	}

	if license.BalanceSeconds+deltaSeconds < 0 {
		return license.BalanceSeconds, ErrInsufficientBalance
	}

	license.BalanceSeconds += deltaSeconds
	license.UpdatedAt = time.Now()
	m.Licenses[key] = license
	m.entries[entry.EntryID] = entry
	m.ledger = append(m.ledger, entry)

	return license.BalanceSeconds, nil
}

func (m *MemoryStorage) SetStatus(ctx context.Context, key, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.Licenses[key]
	if !exists {
		return ErrNotFound
	}
	license.Status = status
	license.UpdatedAt = time.Now()
	m.Licenses[key] = license
	return nil
}

func (m *MemoryStorage) MarkExpiredIfDue(ctx context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.Licenses[key]
	if !exists {
		return ErrNotFound
	}
	if license.ExpiredAt(now) && license.Status != models.StatusExpired {
		license.Status = models.StatusExpired
		license.UpdatedAt = time.Now()
		m.Licenses[key] = license
	}
	return nil
}

func (m *MemoryStorage) AppendLedger(ctx context.Context, entry models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.EntryID]; exists {
		return ErrDuplicateEntry
	}
	m.entries[entry.EntryID] = entry
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *MemoryStorage) LedgerHistory(ctx context.Context, key string, since time.Time, limit int) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []models.LedgerEntry
	for _, entry := range m.ledger {
		if entry.LicenseKey == key && !entry.Timestamp.Before(since) {
			entries = append(entries, entry)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryStorage) RecomputeBalance(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.Licenses[key]; !exists {
		return 0, ErrNotFound
	}

	var sum int64
	for _, entry := range m.ledger {
		if entry.LicenseKey == key {
			sum += entry.AmountSeconds
		}
	}
	return sum, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
