package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	DatabaseURL string

	StripeSecret        string
	StripeWebhookSecret string

	DeductionInterval  time.Duration
	SessionIdleTimeout time.Duration

	// HoursPerUnit converts currency to hours when a checkout asks for an
	// explicit hour count instead of a catalog package.
	HoursPerUnit float64

	CheckoutSuccessURL string
	CheckoutCancelURL  string

	SentryDSN string
}

func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	stripeSecret := os.Getenv("STRIPE_SECRET_KEY")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET_KEY environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	deductionInterval, err := durationEnv("DEDUCTION_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	idleTimeout, err := durationEnv("SESSION_IDLE_TIMEOUT", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	hoursPerUnit := 2.0
	if raw := os.Getenv("HOURS_PER_UNIT"); raw != "" {
		hoursPerUnit, err = strconv.ParseFloat(raw, 64)
		if err != nil || hoursPerUnit <= 0 {
			return nil, fmt.Errorf("HOURS_PER_UNIT must be a positive number, got %q", raw)
		}
	}

	successURL := os.Getenv("CHECKOUT_SUCCESS_URL")
	if successURL == "" {
		successURL = "https://datawell.app/checkout/success"
	}
	cancelURL := os.Getenv("CHECKOUT_CANCEL_URL")
	if cancelURL == "" {
		cancelURL = "https://datawell.app/checkout/cancel"
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		StripeSecret:        stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		DeductionInterval:   deductionInterval,
		SessionIdleTimeout:  idleTimeout,
		HoursPerUnit:        hoursPerUnit,
		CheckoutSuccessURL:  successURL,
		CheckoutCancelURL:   cancelURL,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
	}, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", name, raw)
	}
	return d, nil
}
