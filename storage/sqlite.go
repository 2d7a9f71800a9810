package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"datawell.app/cloud/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStorage is the durable Storage implementation. Balance mutations
// serialize on a per-license-key mutex so concurrent ApplyDelta calls for
// the same key observe a strict order while other keys proceed.
type SQLiteStorage struct {
	db    *sql.DB
	path  string
	locks keyLocks
}

type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	lock, exists := k.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) GetLicense(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT key, balance_seconds, status, tier, expires_at, created_at, updated_at FROM licenses WHERE key = ?`

	var license models.License
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&license.Key,
		&license.BalanceSeconds,
		&license.Status,
		&license.Tier,
		&license.ExpiresAt,
		&license.CreatedAt,
		&license.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &license, nil
}

func (s *SQLiteStorage) CreateLicense(ctx context.Context, license *models.License) error {
	query := `INSERT INTO licenses (key, balance_seconds, status, tier, expires_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		license.Key,
		license.BalanceSeconds,
		license.Status,
		license.Tier,
		license.ExpiresAt,
		license.CreatedAt,
		license.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ApplyDelta(ctx context.Context, key string, deltaSeconds int64, entry models.LedgerEntry) (int64, error) {
	lock := s.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (entry_id, license_key, kind, amount_seconds, timestamp, source)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entry_id) DO NOTHING`,
		entry.EntryID, entry.LicenseKey, entry.Kind, entry.AmountSeconds, entry.Timestamp, entry.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if inserted == 0 {
		return 0, ErrDuplicateEntry
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance_seconds FROM licenses WHERE key = ?`, key).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	newBalance := balance + deltaSeconds
	if newBalance < 0 {
		return balance, ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE licenses SET balance_seconds = ?, updated_at = ? WHERE key = ?`,
		newBalance, time.Now(), key)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delta: %w", err)
	}

	return newBalance, nil
}

func (s *SQLiteStorage) SetStatus(ctx context.Context, key, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE key = ?`,
		status, time.Now(), key)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) MarkExpiredIfDue(ctx context.Context, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE key = ? AND expires_at <= ? AND status != ?`,
		models.StatusExpired, time.Now(), key, now, models.StatusExpired)
	if err != nil {
		return fmt.Errorf("failed to mark expired: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AppendLedger(ctx context.Context, entry models.LedgerEntry) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (entry_id, license_key, kind, amount_seconds, timestamp, source)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entry_id) DO NOTHING`,
		entry.EntryID, entry.LicenseKey, entry.Kind, entry.AmountSeconds, entry.Timestamp, entry.Source)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

func (s *SQLiteStorage) LedgerHistory(ctx context.Context, key string, since time.Time, limit int) ([]models.LedgerEntry, error) {
	query := `SELECT entry_id, license_key, kind, amount_seconds, timestamp, source
	          FROM ledger WHERE license_key = ? AND timestamp >= ?
	          ORDER BY timestamp ASC`
	args := []interface{}{key, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		err := rows.Scan(
			&entry.EntryID,
			&entry.LicenseKey,
			&entry.Kind,
			&entry.AmountSeconds,
			&entry.Timestamp,
			&entry.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStorage) RecomputeBalance(ctx context.Context, key string) (int64, error) {
	if _, err := s.GetLicense(ctx, key); err != nil {
		return 0, err
	}

	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount_seconds) FROM ledger WHERE license_key = ?`, key).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute balance: %w", err)
	}
	return sum.Int64, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
