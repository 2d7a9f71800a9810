package testutil

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"datawell.app/cloud/handlers"
	"datawell.app/cloud/internal/config"
	"datawell.app/cloud/internal/session"
	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

// TestConfig returns a config suitable for handler tests, no env required.
func TestConfig() *config.Config {
	return &config.Config{
		Port:                "8080",
		DatabaseURL:         ":memory:",
		StripeSecret:        "sk_test_dummy",
		StripeWebhookSecret: "whsec_test",
		DeductionInterval:   time.Minute,
		SessionIdleTimeout:  5 * time.Minute,
		HoursPerUnit:        2.0,
		CheckoutSuccessURL:  "https://example.com/success",
		CheckoutCancelURL:   "https://example.com/cancel",
	}
}

// NewTestServer builds a server over the given storage with a tracker that
// never sweeps on its own.
func NewTestServer(store storage.Storage) *handlers.Server {
	tracker := session.NewTracker(store, time.Hour, time.Hour)
	return handlers.NewServer(TestConfig(), store, tracker, "test")
}

// CreateTestLicense saves an active license expiring in one year.
func CreateTestLicense(t *testing.T, store storage.Storage, key string) models.License {
	t.Helper()

	now := time.Now()
	license := models.License{
		Key:       key,
		Status:    models.StatusActive,
		Tier:      models.TierStandard,
		ExpiresAt: now.AddDate(1, 0, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateLicense(context.Background(), &license); err != nil {
		t.Fatalf("Failed to create test license: %v", err)
	}
	return license
}

// CreditLicense adds balance through ApplyDelta so the ledger-balance
// invariant holds for seeded fixtures.
func CreditLicense(t *testing.T, store storage.Storage, key string, seconds int64) {
	t.Helper()

	entry := models.LedgerEntry{
		EntryID:       uuid.Must(uuid.NewRandom()).String(),
		LicenseKey:    key,
		Kind:          models.EntryCredit,
		AmountSeconds: seconds,
		Timestamp:     time.Now(),
		Source:        "test-seed",
	}
	if _, err := store.ApplyDelta(context.Background(), key, seconds, entry); err != nil {
		t.Fatalf("Failed to credit test license: %v", err)
	}
}

// MakeProtectedRequest hits a gated data endpoint with the license key in
// the header.
func MakeProtectedRequest(t *testing.T, server *handlers.Server, licenseKey string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/data/quote?symbol=ACME", nil)
	if licenseKey != "" {
		req.Header.Set("X-License-Key", licenseKey)
	}

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// MakeStripeWebhookRequestSigned posts a webhook payload with signature
// verification left on, carrying a signature that cannot verify.
func MakeStripeWebhookRequestSigned(t *testing.T, server *handlers.Server, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	t.Setenv("TEST_MODE", "false")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// StripeWebhookPayload builds a checkout.session.completed event carrying
// the purchase metadata the credit processor reads.
func StripeWebhookPayload(eventID, licenseKey, hours string) []byte {
	return []byte(`{
		"id": "` + eventID + `",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_123",
				"metadata": {
					"license_key": "` + licenseKey + `",
					"hours_purchased": "` + hours + `"
				}
			}
		}
	}`)
}

// MakeStripeWebhookRequest posts a webhook payload with signature
// verification bypassed via TEST_MODE.
func MakeStripeWebhookRequest(t *testing.T, server *handlers.Server, payload []byte) *httptest.ResponseRecorder {
	t.Helper()

	t.Setenv("TEST_MODE", "true")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "test-signature")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}
