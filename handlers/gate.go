package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"datawell.app/cloud/internal/logger"
	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

// Denial reasons returned by the quota gate.
const (
	ReasonInvalidLicense      = "invalid_license"
	ReasonExpired             = "expired"
	ReasonSuspended           = "suspended"
	ReasonInsufficientBalance = "insufficient_balance"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

var denialMessages = map[string]string{
	ReasonInvalidLicense:      "License key not recognized",
	ReasonExpired:             "License has expired",
	ReasonSuspended:           "License is suspended",
	ReasonInsufficientBalance: "Hour balance exhausted, purchase more hours to continue",
}

// QuotaGate admits a protected request only when its license is known,
// unexpired, active and holds a positive balance. Admitted requests touch
// the session tracker asynchronously; every denial leaves a zero-amount
// audit row in the ledger.
func (s *Server) QuotaGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		licenseKey := licenseKeyFromRequest(r)
		if licenseKey == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "License key required")
			return
		}

		decision, err := s.checkQuota(r.Context(), licenseKey)
		if err != nil {
			logger.Error("Quota check failed", map[string]interface{}{
				"error":       err.Error(),
				"license_key": licenseKey,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Quota check failed")
			return
		}

		if !decision.Allowed {
			s.recordDenial(r.Context(), licenseKey, decision.Reason)
			writeJSON(w, http.StatusForbidden, decision)
			return
		}

		go s.Tracker.Touch(licenseKey)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkQuota(ctx context.Context, licenseKey string) (Decision, error) {
	license, err := s.Storage.GetLicense(ctx, licenseKey)
	if errors.Is(err, storage.ErrNotFound) {
		return deny(ReasonInvalidLicense), nil
	}
	if err != nil {
		return Decision{}, err
	}

	now := time.Now()
	if license.ExpiredAt(now) {
		if err := s.Storage.MarkExpiredIfDue(ctx, licenseKey, now); err != nil {
			logger.Warn("Failed to persist expiry marker", map[string]interface{}{
				"error":       err.Error(),
				"license_key": licenseKey,
			})
		}
		return deny(ReasonExpired), nil
	}

	switch license.Status {
	case models.StatusSuspended:
		return deny(ReasonSuspended), nil
	case models.StatusExpired:
		return deny(ReasonExpired), nil
	}

	if license.BalanceSeconds <= 0 {
		return deny(ReasonInsufficientBalance), nil
	}

	return Decision{Allowed: true}, nil
}

func deny(reason string) Decision {
	return Decision{
		Allowed: false,
		Reason:  reason,
		Message: denialMessages[reason],
	}
}

// recordDenial appends a zero-amount denial entry. Denials never mutate the
// balance, so they bypass ApplyDelta.
func (s *Server) recordDenial(ctx context.Context, licenseKey, reason string) {
	entry := models.LedgerEntry{
		EntryID:       uuid.Must(uuid.NewRandom()).String(),
		LicenseKey:    licenseKey,
		Kind:          models.EntryDenial,
		AmountSeconds: 0,
		Timestamp:     time.Now(),
		Source:        "quota_gate:" + reason,
	}

	if err := s.Storage.AppendLedger(ctx, entry); err != nil {
		logger.Warn("Failed to record denial", map[string]interface{}{
			"error":       err.Error(),
			"license_key": licenseKey,
			"reason":      reason,
		})
	}
}

// licenseKeyFromRequest extracts the license key, checking the header, then
// the query string, then a JSON body. The body is restored for downstream
// handlers.
func licenseKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-License-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("license_key"); key != "" {
		return key
	}

	if r.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var payload struct {
		LicenseKey string `json:"license_key"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.LicenseKey
}
