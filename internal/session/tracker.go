// Package session tracks active usage windows per license and converts
// elapsed wall-clock time into balance deductions on a fixed interval.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"

	"datawell.app/cloud/internal/logger"
	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

const maxFlushAttempts = 3

type active struct {
	session       models.Session
	lastHeartbeat *atomic.Time

	// unbilled seconds are provisional until flushed through ApplyDelta.
	// Cleared only on a successful flush, so a failed sweep retries the
	// same time without double-counting.
	unbilled     *atomic.Int64
	lastBilledAt time.Time
}

// Tracker owns all active sessions. Touch is called once per admitted
// request; Run sweeps on the deduction interval.
type Tracker struct {
	store       storage.Storage
	interval    time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*active

	now func() time.Time
}

func NewTracker(store storage.Storage, interval, idleTimeout time.Duration) *Tracker {
	return &Tracker{
		store:       store,
		interval:    interval,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*active),
		now:         time.Now,
	}
}

// Touch creates a session for the license if none is active, otherwise
// re-arms the idle timer.
func (t *Tracker) Touch(licenseKey string) models.Session {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[licenseKey]; ok {
		existing.lastHeartbeat.Store(now)
		existing.session.LastHeartbeatAt = now
		return existing.session
	}

	session := models.Session{
		ID:              uuid.Must(uuid.NewRandom()).String(),
		LicenseKey:      licenseKey,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	t.sessions[licenseKey] = &active{
		session:       session,
		lastHeartbeat: atomic.NewTime(now),
		unbilled:      atomic.NewInt64(0),
		lastBilledAt:  now,
	}

	logger.Info("Session started", map[string]interface{}{
		"session_id":  session.ID,
		"license_key": licenseKey,
	})
	return session
}

// CloseSession ends a session explicitly, flushing its remaining unbilled
// time best-effort.
func (t *Tracker) CloseSession(ctx context.Context, licenseKey string) {
	t.mu.Lock()
	s, ok := t.sessions[licenseKey]
	if ok {
		delete(t.sessions, licenseKey)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.accrue(s, t.now())
	t.finalFlush(ctx, s)
}

// ActiveCount reports the number of tracked sessions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Run sweeps on the deduction interval until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				logger.Error("Deduction sweep finished with errors", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Sweep runs one deduction pass over a snapshot of active sessions. Idle
// sessions are closed with a best-effort final flush; sessions whose
// license cannot cover their elapsed time are closed without driving the
// balance negative. Transient store failures leave unbilled time in place
// for the next pass and are aggregated into the returned error.
func (t *Tracker) Sweep(ctx context.Context) error {
	now := t.now()

	t.mu.Lock()
	snapshot := make([]*active, 0, len(t.sessions))
	for _, s := range t.sessions {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()

	var result *multierror.Error
	for _, s := range snapshot {
		t.accrue(s, now)

		if now.Sub(s.lastHeartbeat.Load()) > t.idleTimeout {
			t.remove(s.session.LicenseKey, s.session.ID, "idle timeout")
			t.finalFlush(ctx, s)
			continue
		}

		if err := t.flush(ctx, s); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", s.session.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// accrue moves elapsed wall-clock time into the session's unbilled counter,
// truncating to whole seconds.
func (t *Tracker) accrue(s *active, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := int64(now.Sub(s.lastBilledAt).Seconds())
	if elapsed <= 0 {
		return
	}
	s.unbilled.Add(elapsed)
	s.lastBilledAt = s.lastBilledAt.Add(time.Duration(elapsed) * time.Second)
}

// flush applies the session's unbilled seconds as one deduction, retrying
// transient store failures a bounded number of times.
func (t *Tracker) flush(ctx context.Context, s *active) error {
	amount := s.unbilled.Load()
	if amount <= 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxFlushAttempts; attempt++ {
		entry := models.LedgerEntry{
			EntryID:       uuid.Must(uuid.NewRandom()).String(),
			LicenseKey:    s.session.LicenseKey,
			Kind:          models.EntryDeduction,
			AmountSeconds: -amount,
			Timestamp:     t.now(),
			Source:        s.session.ID,
		}

		_, err := t.store.ApplyDelta(ctx, s.session.LicenseKey, -amount, entry)
		switch {
		case err == nil:
			s.unbilled.Sub(amount)
			logger.Debug("Deduction applied", map[string]interface{}{
				"session_id":     s.session.ID,
				"amount_seconds": amount,
			})
			return nil
		case errors.Is(err, storage.ErrInsufficientBalance), errors.Is(err, storage.ErrNotFound):
			t.remove(s.session.LicenseKey, s.session.ID, "insufficient balance")
			return nil
		default:
			lastErr = err
		}
	}

	logger.Warn("Deduction deferred to next sweep", map[string]interface{}{
		"session_id":     s.session.ID,
		"amount_seconds": amount,
		"error":          lastErr.Error(),
	})
	return lastErr
}

// finalFlush makes a single attempt to bill remaining time on a closing
// session. An exhausted balance skips the flush rather than retrying.
func (t *Tracker) finalFlush(ctx context.Context, s *active) {
	amount := s.unbilled.Load()
	if amount <= 0 {
		return
	}

	entry := models.LedgerEntry{
		EntryID:       uuid.Must(uuid.NewRandom()).String(),
		LicenseKey:    s.session.LicenseKey,
		Kind:          models.EntryDeduction,
		AmountSeconds: -amount,
		Timestamp:     t.now(),
		Source:        s.session.ID,
	}

	if _, err := t.store.ApplyDelta(ctx, s.session.LicenseKey, -amount, entry); err != nil {
		logger.Warn("Final flush skipped", map[string]interface{}{
			"session_id":     s.session.ID,
			"amount_seconds": amount,
			"error":          err.Error(),
		})
		return
	}
	s.unbilled.Sub(amount)
}

func (t *Tracker) remove(licenseKey, sessionID, reason string) {
	t.mu.Lock()
	if current, ok := t.sessions[licenseKey]; ok && current.session.ID == sessionID {
		delete(t.sessions, licenseKey)
	}
	t.mu.Unlock()

	logger.Info("Session closed", map[string]interface{}{
		"session_id":  sessionID,
		"license_key": licenseKey,
		"reason":      reason,
	})
}
