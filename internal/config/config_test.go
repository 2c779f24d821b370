package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Scheduler.Interval.Hours() != 24 {
		t.Fatalf("default tick interval should be 24h, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Trends.TTL.Minutes() != 15 {
		t.Fatalf("default trend ttl should be 15m, got %s", cfg.Trends.TTL)
	}
	if len(cfg.Currencies.SecondarySet) == 0 {
		t.Fatal("default secondary set should not be empty")
	}
}

func TestValidateRejectsOversizedTickBudget(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Scheduler.TickBudget = 2 * cfg.Scheduler.Interval
	if err := cfg.Validate(); err == nil {
		t.Fatal("tick budget larger than the interval must be rejected")
	}
}

func TestValidateRequiresSMTPHostWhenEnabled(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Alerting.SMTP.Enabled = true
	cfg.Alerting.SMTP.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled smtp channel without a host must be rejected")
	}
}
