package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"datawell.app/cloud/internal/catalog"
	"datawell.app/cloud/internal/testutil"
	"datawell.app/cloud/models"
	"datawell.app/cloud/storage"
)

func postCheckout(t *testing.T, server http.Handler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func TestCheckout_RequiresLicenseKey(t *testing.T) {
	server := testutil.NewTestServer(storage.NewMemoryStorage())

	w := postCheckout(t, server.Router, `{"package_id": "pkg_starter"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestCheckout_UnknownLicense(t *testing.T) {
	server := testutil.NewTestServer(storage.NewMemoryStorage())

	w := postCheckout(t, server.Router, `{"license_key": "DWL-NOPE", "package_id": "pkg_starter"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCheckout_UnknownPackage(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewTestServer(store)
	testutil.CreateTestLicense(t, store, "DWL-SHOP")

	w := postCheckout(t, server.Router, `{"license_key": "DWL-SHOP", "package_id": "pkg_imaginary"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown package, got %d", w.Code)
	}
}

func TestCheckout_InvalidHours(t *testing.T) {
	store := storage.NewMemoryStorage()
	server := testutil.NewTestServer(store)
	testutil.CreateTestLicense(t, store, "DWL-SHOP")

	for _, payload := range []string{
		`{"license_key": "DWL-SHOP", "hours": 0}`,
		`{"license_key": "DWL-SHOP", "hours": -5}`,
	} {
		w := postCheckout(t, server.Router, payload)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for payload %s, got %d", payload, w.Code)
		}
	}
}

func TestListPackages(t *testing.T) {
	server := testutil.NewTestServer(storage.NewMemoryStorage())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/packages", nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var packages []models.Package
	if err := json.NewDecoder(w.Body).Decode(&packages); err != nil {
		t.Fatalf("Failed to decode packages: %v", err)
	}
	if len(packages) != len(catalog.Packages) {
		t.Errorf("Expected %d packages, got %d", len(catalog.Packages), len(packages))
	}
}
