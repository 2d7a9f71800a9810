package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"datawell.app/cloud/internal/catalog"
	"datawell.app/cloud/internal/logger"
	"datawell.app/cloud/storage"
)

type CheckoutRequest struct {
	LicenseKey string  `json:"license_key"`
	PackageID  string  `json:"package_id"`
	Hours      float64 `json:"hours"`
}

type CheckoutResponse struct {
	CheckoutSessionID string `json:"checkout_session_id"`
	RedirectURL       string `json:"redirect_url"`
}

// ListPackages exposes the static pricing catalog.
func (s *Server) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalog.Packages)
}

// Checkout creates a payment session for a catalog package or an explicit
// hour count. The balance is untouched until the confirmation webhook
// arrives.
func (s *Server) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LicenseKey == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_key required")
		return
	}

	if _, err := s.Storage.GetLicense(r.Context(), req.LicenseKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "License not found")
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to load license")
		return
	}

	name, hours, priceCents, err := s.resolvePurchase(req)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	stripe.Key = s.Config.StripeSecret

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					UnitAmount: stripe.Int64(priceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.Config.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.Config.CheckoutCancelURL),
	}
	params.AddMetadata("license_key", req.LicenseKey)
	params.AddMetadata("hours_purchased", fmt.Sprintf("%g", hours))

	sess, err := checkoutsession.New(params)
	if err != nil {
		logger.Error("Failed to create checkout session", map[string]interface{}{
			"error":       err.Error(),
			"license_key": req.LicenseKey,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	logger.Info("Checkout session created", map[string]interface{}{
		"checkout_session_id": sess.ID,
		"license_key":         req.LicenseKey,
		"hours":               hours,
		"price_cents":         priceCents,
	})

	writeJSON(w, http.StatusOK, CheckoutResponse{
		CheckoutSessionID: sess.ID,
		RedirectURL:       sess.URL,
	})
}

func (s *Server) resolvePurchase(req CheckoutRequest) (string, float64, int64, error) {
	if req.PackageID != "" {
		pkg, err := catalog.Get(req.PackageID)
		if err != nil {
			return "", 0, 0, err
		}
		return fmt.Sprintf("DataWell %s (%g hours)", pkg.Name, pkg.Hours), pkg.Hours, pkg.PriceCents, nil
	}

	priceCents, err := catalog.PriceForHours(req.Hours, s.Config.HoursPerUnit)
	if err != nil {
		return "", 0, 0, err
	}
	return fmt.Sprintf("DataWell prepaid hours (%g)", req.Hours), req.Hours, priceCents, nil
}
