package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validScheduledRule() AlertRule {
	return AlertRule{
		OwnerID:      "user-1",
		From:         "EUR",
		To:           "USD",
		NotifyTarget: "user@example.com",
		Active:       true,
		Kind:         KindScheduled,
		Scheduled:    &ScheduledSpec{IntervalDays: 7, HourOfDay: 9},
	}
}

func validDeviationRule() AlertRule {
	return AlertRule{
		OwnerID:      "user-1",
		From:         "EUR",
		To:           "USD",
		NotifyTarget: "user@example.com",
		Active:       true,
		Kind:         KindDeviation,
		Deviation: &DeviationSpec{
			ThresholdPct: decimal.NewFromInt(2),
			Direction:    DeviationUp,
			Baseline:     decimal.NewFromInt(1),
		},
	}
}

func TestRuleValidate(t *testing.T) {
	if err := validScheduledRule().Validate(); err != nil {
		t.Fatalf("valid scheduled rule rejected: %v", err)
	}

	samePair := validScheduledRule()
	samePair.To = "EUR"
	if err := samePair.Validate(); err == nil {
		t.Fatal("same-currency pair must be rejected")
	}

	badHour := validScheduledRule()
	badHour.Scheduled.HourOfDay = 24
	if err := badHour.Validate(); err == nil {
		t.Fatal("hour of day 24 must be rejected")
	}

	badInterval := validScheduledRule()
	badInterval.Scheduled.IntervalDays = 0
	if err := badInterval.Validate(); err == nil {
		t.Fatal("interval of 0 days must be rejected")
	}

	twoVariants := validScheduledRule()
	twoVariants.Target = &TargetSpec{Value: decimal.NewFromInt(1), Direction: TargetAbove}
	if err := twoVariants.Validate(); err == nil {
		t.Fatal("a rule with two variants must be rejected")
	}

	bigThreshold := validDeviationRule()
	bigThreshold.Deviation.ThresholdPct = decimal.NewFromInt(51)
	if err := bigThreshold.Validate(); err == nil {
		t.Fatal("threshold above 50% must be rejected")
	}

	boundary := validDeviationRule()
	boundary.Deviation.ThresholdPct = decimal.NewFromInt(50)
	if err := boundary.Validate(); err != nil {
		t.Fatalf("threshold of exactly 50%% is allowed: %v", err)
	}
}

func TestRuleUpdateAllowList(t *testing.T) {
	rule := validScheduledRule()
	rule.ID = 42

	days := 14
	updated, err := RuleUpdate{IntervalDays: &days}.ApplyTo(rule)
	if err != nil {
		t.Fatalf("schedule update on a scheduled rule should apply: %v", err)
	}
	if updated.Scheduled.IntervalDays != 14 {
		t.Fatalf("interval not applied: %+v", updated.Scheduled)
	}
	if rule.Scheduled.IntervalDays != 7 {
		t.Fatal("update must not mutate the original rule")
	}

	threshold := decimal.NewFromInt(5)
	if _, err := (RuleUpdate{ThresholdPct: &threshold}).ApplyTo(rule); err == nil {
		t.Fatal("deviation fields on a scheduled rule must be rejected")
	}

	badHour := 99
	if _, err := (RuleUpdate{HourOfDay: &badHour}).ApplyTo(rule); err == nil {
		t.Fatal("update must re-validate bounds")
	}

	inactive := false
	updated, err = RuleUpdate{Active: &inactive}.ApplyTo(rule)
	if err != nil {
		t.Fatalf("active toggle applies to any kind: %v", err)
	}
	if updated.Active {
		t.Fatal("active flag not applied")
	}
}

func TestRuleUpdatePreservesLastFired(t *testing.T) {
	rule := validScheduledRule()
	at := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	rule.Scheduled.LastFiredAt = &at

	days := 3
	updated, err := RuleUpdate{IntervalDays: &days}.ApplyTo(rule)
	if err != nil {
		t.Fatalf("update should apply: %v", err)
	}
	if updated.Scheduled.LastFiredAt == nil || !updated.Scheduled.LastFiredAt.Equal(at) {
		t.Fatal("user edits must not clear engine-owned last-fired state")
	}
}
