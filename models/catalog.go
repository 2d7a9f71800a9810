package models

// Package is a purchasable bundle of prepaid hours. Catalog entries are
// static and read-only at runtime.
type Package struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Hours      float64 `json:"hours"`
	PriceCents int64   `json:"price_cents"`
	Currency   string  `json:"currency"`
}
