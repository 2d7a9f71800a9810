package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "datawell.db")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_dummy")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
}

func TestNew_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "")
	t.Setenv("DEDUCTION_INTERVAL", "")
	t.Setenv("SESSION_IDLE_TIMEOUT", "")
	t.Setenv("HOURS_PER_UNIT", "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.DeductionInterval != 5*time.Minute {
		t.Errorf("Expected default deduction interval 5m, got %v", cfg.DeductionInterval)
	}
	if cfg.SessionIdleTimeout != 15*time.Minute {
		t.Errorf("Expected default idle timeout 15m, got %v", cfg.SessionIdleTimeout)
	}
	if cfg.HoursPerUnit != 2.0 {
		t.Errorf("Expected default conversion rate 2.0, got %v", cfg.HoursPerUnit)
	}
}

func TestNew_RequiredVars(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"missing database url", "DATABASE_URL"},
		{"missing stripe secret", "STRIPE_SECRET_KEY"},
		{"missing webhook secret", "STRIPE_WEBHOOK_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			if _, err := New(); err == nil {
				t.Errorf("Expected an error when %s is unset", tt.unset)
			}
		})
	}
}

func TestNew_ParsesOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DEDUCTION_INTERVAL", "90s")
	t.Setenv("SESSION_IDLE_TIMEOUT", "30m")
	t.Setenv("HOURS_PER_UNIT", "4")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if cfg.DeductionInterval != 90*time.Second {
		t.Errorf("Expected 90s deduction interval, got %v", cfg.DeductionInterval)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("Expected 30m idle timeout, got %v", cfg.SessionIdleTimeout)
	}
	if cfg.HoursPerUnit != 4 {
		t.Errorf("Expected conversion rate 4, got %v", cfg.HoursPerUnit)
	}
}

func TestNew_RejectsBadDurations(t *testing.T) {
	setRequired(t)
	t.Setenv("DEDUCTION_INTERVAL", "soon")

	if _, err := New(); err == nil {
		t.Error("Expected an error for an unparseable duration")
	}
}
