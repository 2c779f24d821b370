package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fxwatcher/internal/engine"
	"fxwatcher/internal/rates"
	"fxwatcher/internal/storage"
)

// SimulateAlert evaluates a synthetic rule against fixed rates and
// dispatches through the configured channels. Nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled in configuration")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channels configured")
	}

	rule, err := buildSimulatedRule(opts)
	if err != nil {
		return err
	}
	if rule.Kind == storage.KindScheduled && opts.PastRate <= 0 {
		return errors.New("scheduled simulation requires --past > 0")
	}

	provider := &staticRateProvider{
		base:    rates.Currency(opts.Base),
		quote:   rates.Currency(opts.Quote),
		current: decimal.NewFromFloat(opts.CurrentRate),
		past:    decimal.NewFromFloat(opts.PastRate),
	}

	eng := engine.New(&staticRuleStore{rule: rule}, provider, notifier, nil, nil, engine.Options{
		ExactEpsilon: decimal.NewFromFloat(a.Config.Alerting.ExactEpsilon),
	}, a.Logger)

	summary := eng.Tick(ctx, time.Now().UTC())
	if summary.Fired == 0 {
		a.Logger.Info().Msg("simulated rule did not fire")
		return nil
	}
	a.Logger.Info().Msg("simulated alert dispatched")
	return nil
}

func buildSimulatedRule(opts SimulateOptions) (storage.AlertRule, error) {
	rule := storage.AlertRule{
		ID:           1,
		OwnerID:      "simulate",
		From:         rates.Currency(opts.Base),
		To:           rates.Currency(opts.Quote),
		NotifyTarget: opts.NotifyTarget,
		Active:       true,
		Kind:         storage.RuleKind(opts.Kind),
	}

	switch rule.Kind {
	case storage.KindScheduled:
		days := opts.IntervalDays
		if days <= 0 {
			days = 1
		}
		rule.Scheduled = &storage.ScheduledSpec{IntervalDays: days}
	case storage.KindDeviation:
		rule.Deviation = &storage.DeviationSpec{
			ThresholdPct: decimal.NewFromFloat(opts.ThresholdPct),
			Direction:    storage.DeviationDirection(opts.Direction),
			Baseline:     decimal.NewFromFloat(opts.BaselineRate),
		}
	case storage.KindTarget:
		rule.Target = &storage.TargetSpec{
			Value:     decimal.NewFromFloat(opts.TargetRate),
			Direction: storage.TargetDirection(opts.Direction),
		}
	default:
		return storage.AlertRule{}, fmt.Errorf("unknown rule kind %q", opts.Kind)
	}

	if err := rule.Validate(); err != nil {
		return storage.AlertRule{}, err
	}
	return rule, nil
}

// staticRateProvider serves a fixed current rate and a fixed historical
// rate for exactly one pair.
type staticRateProvider struct {
	base    rates.Currency
	quote   rates.Currency
	current decimal.Decimal
	past    decimal.Decimal
}

func (p *staticRateProvider) GetRate(ctx context.Context, from, to rates.Currency, asOf *time.Time) (rates.Rate, error) {
	if from != p.base || to != p.quote {
		return rates.Rate{}, fmt.Errorf("%w: %s/%s", rates.ErrUnsupportedCurrency, from, to)
	}
	value := p.current
	if asOf != nil {
		value = p.past
	}
	asOfTime := time.Now().UTC()
	if asOf != nil {
		asOfTime = *asOf
	}
	return rates.Rate{
		Base:   from,
		Quote:  to,
		Value:  value,
		AsOf:   asOfTime,
		Source: rates.SourcePrimary,
	}, nil
}

// staticRuleStore exposes one in-memory rule and swallows the engine's
// state transitions.
type staticRuleStore struct {
	rule storage.AlertRule
}

func (s *staticRuleStore) CreateRule(ctx context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	return storage.AlertRule{}, errors.New("not supported in simulation")
}

func (s *staticRuleStore) GetRule(ctx context.Context, id int64) (storage.AlertRule, error) {
	if id != s.rule.ID {
		return storage.AlertRule{}, storage.ErrRuleNotFound
	}
	return s.rule, nil
}

func (s *staticRuleStore) FindActiveRules(ctx context.Context) ([]storage.AlertRule, error) {
	return []storage.AlertRule{s.rule}, nil
}

func (s *staticRuleStore) UpdateRule(ctx context.Context, id int64, update storage.RuleUpdate) (storage.AlertRule, error) {
	return storage.AlertRule{}, errors.New("not supported in simulation")
}

func (s *staticRuleStore) DeleteRule(ctx context.Context, id int64) error {
	return errors.New("not supported in simulation")
}

func (s *staticRuleStore) MarkScheduledFired(ctx context.Context, id int64, firedAt time.Time) error {
	return nil
}

func (s *staticRuleStore) RebaselineDeviation(ctx context.Context, id int64, oldBaseline, newBaseline decimal.Decimal) error {
	return nil
}

func (s *staticRuleStore) DeactivateRule(ctx context.Context, id int64) error {
	return nil
}

var _ rates.RateProvider = (*staticRateProvider)(nil)
var _ storage.RuleStore = (*staticRuleStore)(nil)
