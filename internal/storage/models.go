package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxwatcher/internal/rates"
)

// RuleKind discriminates the alert-rule union.
type RuleKind string

const (
	KindScheduled RuleKind = "scheduled"
	KindDeviation RuleKind = "deviation"
	KindTarget    RuleKind = "target"
)

// DeviationDirection selects which side of the baseline fires.
type DeviationDirection string

const (
	DeviationUp   DeviationDirection = "up"
	DeviationDown DeviationDirection = "down"
	DeviationBoth DeviationDirection = "both"
)

// TargetDirection selects how the current rate is compared to the target.
type TargetDirection string

const (
	TargetAbove TargetDirection = "above"
	TargetBelow TargetDirection = "below"
	TargetExact TargetDirection = "exact"
)

// ScheduledSpec fires a periodic variation report.
type ScheduledSpec struct {
	IntervalDays int
	HourOfDay    int
	// LastFiredAt only ever advances, and only after a successful
	// dispatch; a failed dispatch leaves the rule due next tick.
	LastFiredAt *time.Time
}

// DeviationSpec fires when the rate drifts past a threshold from the
// baseline.
type DeviationSpec struct {
	ThresholdPct decimal.Decimal
	Direction    DeviationDirection
	Baseline     decimal.Decimal
}

// TargetSpec fires when the rate crosses an absolute value.
type TargetSpec struct {
	Value     decimal.Decimal
	Direction TargetDirection
}

// AlertRule is a persisted user alert. Exactly one variant matching Kind
// is populated; Validate enforces that instead of runtime nil-chasing.
type AlertRule struct {
	ID           int64
	OwnerID      string
	From         rates.Currency
	To           rates.Currency
	NotifyTarget string
	Active       bool
	Kind         RuleKind

	Scheduled *ScheduledSpec
	Deviation *DeviationSpec
	Target    *TargetSpec

	CreatedAt time.Time
	UpdatedAt time.Time
}

var maxThresholdPct = decimal.NewFromInt(50)

// Validate checks the invariants shared by creation and updates.
func (r AlertRule) Validate() error {
	if err := r.From.Validate(); err != nil {
		return err
	}
	if err := r.To.Validate(); err != nil {
		return err
	}
	if r.From == r.To {
		return fmt.Errorf("rule: currencies must differ, got %s/%s", r.From, r.To)
	}
	if r.NotifyTarget == "" {
		return errors.New("rule: notify target is required")
	}

	populated := 0
	if r.Scheduled != nil {
		populated++
	}
	if r.Deviation != nil {
		populated++
	}
	if r.Target != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("rule: exactly one variant must be set, got %d", populated)
	}

	switch r.Kind {
	case KindScheduled:
		if r.Scheduled == nil {
			return errors.New("rule: kind scheduled requires a scheduled spec")
		}
		if r.Scheduled.IntervalDays < 1 {
			return fmt.Errorf("rule: interval days must be >= 1, got %d", r.Scheduled.IntervalDays)
		}
		if r.Scheduled.HourOfDay < 0 || r.Scheduled.HourOfDay > 23 {
			return fmt.Errorf("rule: hour of day must be in [0,23], got %d", r.Scheduled.HourOfDay)
		}
	case KindDeviation:
		if r.Deviation == nil {
			return errors.New("rule: kind deviation requires a deviation spec")
		}
		if r.Deviation.ThresholdPct.Sign() <= 0 || r.Deviation.ThresholdPct.GreaterThan(maxThresholdPct) {
			return fmt.Errorf("rule: threshold pct must be in (0,50], got %s", r.Deviation.ThresholdPct)
		}
		if r.Deviation.Baseline.Sign() <= 0 {
			return fmt.Errorf("rule: baseline rate must be positive, got %s", r.Deviation.Baseline)
		}
		switch r.Deviation.Direction {
		case DeviationUp, DeviationDown, DeviationBoth:
		default:
			return fmt.Errorf("rule: unknown deviation direction %q", r.Deviation.Direction)
		}
	case KindTarget:
		if r.Target == nil {
			return errors.New("rule: kind target requires a target spec")
		}
		if r.Target.Value.Sign() <= 0 {
			return fmt.Errorf("rule: target value must be positive, got %s", r.Target.Value)
		}
		switch r.Target.Direction {
		case TargetAbove, TargetBelow, TargetExact:
		default:
			return fmt.Errorf("rule: unknown target direction %q", r.Target.Direction)
		}
	default:
		return fmt.Errorf("rule: unknown kind %q", r.Kind)
	}
	return nil
}

// Pair renders the rule's currency pair.
func (r AlertRule) Pair() string {
	return r.From.String() + "/" + r.To.String()
}

// RuleUpdate is the allow-listed set of user-mutable fields. Fields that
// do not apply to the rule's kind are rejected rather than ignored.
type RuleUpdate struct {
	NotifyTarget *string
	Active       *bool

	IntervalDays *int
	HourOfDay    *int

	ThresholdPct       *decimal.Decimal
	DeviationDirection *DeviationDirection
	Baseline           *decimal.Decimal

	TargetValue     *decimal.Decimal
	TargetDirection *TargetDirection
}

// ApplyTo merges the update into a copy of the rule, enforcing the same
// invariants as creation.
func (u RuleUpdate) ApplyTo(rule AlertRule) (AlertRule, error) {
	if u.NotifyTarget != nil {
		rule.NotifyTarget = *u.NotifyTarget
	}
	if u.Active != nil {
		rule.Active = *u.Active
	}

	if u.IntervalDays != nil || u.HourOfDay != nil {
		if rule.Kind != KindScheduled || rule.Scheduled == nil {
			return AlertRule{}, fmt.Errorf("rule %d: schedule fields not applicable to kind %s", rule.ID, rule.Kind)
		}
		spec := *rule.Scheduled
		if u.IntervalDays != nil {
			spec.IntervalDays = *u.IntervalDays
		}
		if u.HourOfDay != nil {
			spec.HourOfDay = *u.HourOfDay
		}
		rule.Scheduled = &spec
	}

	if u.ThresholdPct != nil || u.DeviationDirection != nil || u.Baseline != nil {
		if rule.Kind != KindDeviation || rule.Deviation == nil {
			return AlertRule{}, fmt.Errorf("rule %d: deviation fields not applicable to kind %s", rule.ID, rule.Kind)
		}
		spec := *rule.Deviation
		if u.ThresholdPct != nil {
			spec.ThresholdPct = *u.ThresholdPct
		}
		if u.DeviationDirection != nil {
			spec.Direction = *u.DeviationDirection
		}
		if u.Baseline != nil {
			spec.Baseline = *u.Baseline
		}
		rule.Deviation = &spec
	}

	if u.TargetValue != nil || u.TargetDirection != nil {
		if rule.Kind != KindTarget || rule.Target == nil {
			return AlertRule{}, fmt.Errorf("rule %d: target fields not applicable to kind %s", rule.ID, rule.Kind)
		}
		spec := *rule.Target
		if u.TargetValue != nil {
			spec.Value = *u.TargetValue
		}
		if u.TargetDirection != nil {
			spec.Direction = *u.TargetDirection
		}
		rule.Target = &spec
	}

	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}
	return rule, nil
}

// FiredAlert is the audit record of one dispatched notification.
type FiredAlert struct {
	ID             int64
	RuleID         int64
	Kind           RuleKind
	Pair           string
	CurrentValue   decimal.Decimal
	ReferenceValue decimal.Decimal
	ChangePct      decimal.Decimal
	NotifyTarget   string
	FiredAt        time.Time
	CreatedAt      time.Time
}

// RateSample records one rate observation made during a tick; the export
// command charts these.
type RateSample struct {
	ID          int64
	Base        rates.Currency
	Quote       rates.Currency
	Value       decimal.Decimal
	Source      rates.Source
	Approximate bool
	ObservedAt  time.Time
	TickTS      time.Time
	CreatedAt   time.Time
}
