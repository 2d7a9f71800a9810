// Package catalog holds the static pricing table for prepaid hour packages.
package catalog

import (
	"fmt"

	"datawell.app/cloud/models"
)

// Packages is the purchasable catalog. Read-only at runtime.
var Packages = []models.Package{
	{ID: "pkg_starter", Name: "Starter", Hours: 10, PriceCents: 900, Currency: "usd"},
	{ID: "pkg_standard", Name: "Standard", Hours: 50, PriceCents: 3900, Currency: "usd"},
	{ID: "pkg_professional", Name: "Professional", Hours: 200, PriceCents: 12900, Currency: "usd"},
}

// Get returns the package with the given id.
func Get(id string) (models.Package, error) {
	for _, pkg := range Packages {
		if pkg.ID == id {
			return pkg, nil
		}
	}
	return models.Package{}, fmt.Errorf("unknown package %q", id)
}

// PriceForHours prices an arbitrary hour count using the configured
// conversion rate (hours per currency unit).
func PriceForHours(hours, hoursPerUnit float64) (int64, error) {
	if hours <= 0 {
		return 0, fmt.Errorf("hour count must be positive, got %v", hours)
	}
	if hoursPerUnit <= 0 {
		return 0, fmt.Errorf("invalid conversion rate %v", hoursPerUnit)
	}
	return int64(hours / hoursPerUnit * 100), nil
}

// HoursToSeconds truncates a fractional hour amount to whole seconds.
// Truncation is the fixed rounding rule for all hour/second conversions.
func HoursToSeconds(hours float64) int64 {
	return int64(hours * 3600)
}
