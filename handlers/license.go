package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"datawell.app/cloud/internal/logger"
	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

type RegisterRequest struct {
	Tier          string `json:"tier"`
	ExpiresInDays int    `json:"expires_in_days"`
}

type LicenseResponse struct {
	LicenseKey   string    `json:"license_key"`
	BalanceHours float64   `json:"balance_hours"`
	Status       string    `json:"status"`
	Tier         string    `json:"tier"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RegisterLicense creates a license with a zero balance. Hours arrive later
// through the credit processor.
func (s *Server) RegisterLicense(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tier := req.Tier
	switch tier {
	case "":
		tier = models.TierStandard
	case models.TierTrial, models.TierStandard, models.TierProfessional:
	default:
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Unknown tier %q", req.Tier))
		return
	}

	days := req.ExpiresInDays
	if days <= 0 {
		days = 365
	}

	now := time.Now()
	license := &models.License{
		Key:            generateLicenseKey(),
		BalanceSeconds: 0,
		Status:         models.StatusActive,
		Tier:           tier,
		ExpiresAt:      now.AddDate(0, 0, days),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.Storage.CreateLicense(r.Context(), license); err != nil {
		logger.Error("Failed to create license", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create license")
		return
	}

	logger.Info("License registered", map[string]interface{}{
		"license_key": license.Key,
		"tier":        tier,
	})

	writeJSON(w, http.StatusCreated, LicenseResponse{
		LicenseKey:   license.Key,
		BalanceHours: license.BalanceHours(),
		Status:       license.Status,
		Tier:         license.Tier,
		ExpiresAt:    license.ExpiresAt,
	})
}

type LedgerEntryResponse struct {
	EntryID     string    `json:"entry_id"`
	Kind        string    `json:"kind"`
	AmountHours float64   `json:"amount_hours"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

type BalanceResponse struct {
	LicenseKey   string                `json:"license_key"`
	BalanceHours float64               `json:"balance_hours"`
	Status       string                `json:"status"`
	Tier         string                `json:"tier"`
	ExpiresAt    time.Time             `json:"expires_at"`
	Ledger       []LedgerEntryResponse `json:"ledger"`
}

// Balance is the read-only inquiry interface: current balance plus the most
// recent ledger entries. No side effects, no session touch.
func (s *Server) Balance(w http.ResponseWriter, r *http.Request) {
	licenseKey := licenseKeyFromRequest(r)
	if licenseKey == "" {
		writeErrorResponse(w, http.StatusUnauthorized, "License key required")
		return
	}

	license, err := s.Storage.GetLicense(r.Context(), licenseKey)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load license")
		return
	}

	if recomputed, auditErr := s.Storage.RecomputeBalance(r.Context(), licenseKey); auditErr == nil && recomputed != license.BalanceSeconds {
		logger.Error("Ledger drift detected, license flagged for reconciliation", map[string]interface{}{
			"license_key":     licenseKey,
			"balance_seconds": license.BalanceSeconds,
			"ledger_seconds":  recomputed,
		})
	}

	entries, err := s.Storage.LedgerHistory(r.Context(), licenseKey, time.Time{}, 20)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load ledger")
		return
	}

	resp := BalanceResponse{
		LicenseKey:   license.Key,
		BalanceHours: license.BalanceHours(),
		Status:       license.Status,
		Tier:         license.Tier,
		ExpiresAt:    license.ExpiresAt,
		Ledger:       make([]LedgerEntryResponse, 0, len(entries)),
	}
	for _, entry := range entries {
		resp.Ledger = append(resp.Ledger, LedgerEntryResponse{
			EntryID:     entry.EntryID,
			Kind:        entry.Kind,
			AmountHours: entry.AmountHours(),
			Timestamp:   entry.Timestamp,
			Source:      entry.Source,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func generateLicenseKey() string {
	return fmt.Sprintf("DWL-%s", uuid.Must(uuid.NewRandom()).String()[:8])
}
