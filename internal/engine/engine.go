package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatcher/internal/alerting"
	"fxwatcher/internal/rates"
	"fxwatcher/internal/storage"
)

var percentScale = decimal.NewFromInt(100)

// Options tune engine behaviour.
type Options struct {
	// Concurrency bounds the per-tick rule fan-out.
	Concurrency int
	// ExactEpsilon is the tolerance for "exact" target comparisons;
	// bitwise equality on a market rate never holds.
	ExactEpsilon decimal.Decimal
}

// Summary reports one tick's outcome counts for the operator log.
type Summary struct {
	Evaluated        int
	Fired            int
	SkippedTransient int
	SkippedPermanent int
}

// Engine evaluates the active rule set against the rate provider once
// per tick. Rules are independent: one rule's failure never aborts the
// others, and no rule state is mutated unless its dispatch succeeded.
type Engine struct {
	rules    storage.RuleStore
	provider rates.RateProvider
	notifier alerting.Notifier
	alertLog storage.AlertLogStore
	samples  storage.SampleStore
	opts     Options
	logger   zerolog.Logger
}

// New constructs an alert engine. alertLog and samples may be nil; audit
// and sample recording are then skipped.
func New(rules storage.RuleStore, provider rates.RateProvider, notifier alerting.Notifier, alertLog storage.AlertLogStore, samples storage.SampleStore, opts Options, logger zerolog.Logger) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.ExactEpsilon.Sign() <= 0 {
		opts.ExactEpsilon = decimal.NewFromFloat(0.0001)
	}

	return &Engine{
		rules:    rules,
		provider: provider,
		notifier: notifier,
		alertLog: alertLog,
		samples:  samples,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_engine").Logger(),
	}
}

type outcome int

const (
	outcomeNoFire outcome = iota
	outcomeFired
	outcomeTransient
	outcomePermanent
)

// Tick runs one evaluation sweep. The caller bounds ctx; when the budget
// runs out the remaining rules are counted as transient skips.
func (e *Engine) Tick(ctx context.Context, now time.Time) Summary {
	var summary Summary

	rules, err := e.rules.FindActiveRules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to load active rules; skipping tick")
		return summary
	}

	var mu sync.Mutex
	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup

	for _, rule := range rules {
		if ctx.Err() != nil {
			mu.Lock()
			summary.SkippedTransient++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(rule storage.AlertRule) {
			defer wg.Done()
			defer func() { <-sem }()

			result := e.evaluate(ctx, rule, now)

			mu.Lock()
			defer mu.Unlock()
			summary.Evaluated++
			switch result {
			case outcomeFired:
				summary.Fired++
			case outcomeTransient:
				summary.SkippedTransient++
			case outcomePermanent:
				summary.SkippedPermanent++
			}
		}(rule)
	}
	wg.Wait()

	e.logger.Info().
		Int("evaluated", summary.Evaluated).
		Int("fired", summary.Fired).
		Int("skipped_transient", summary.SkippedTransient).
		Int("skipped_permanent", summary.SkippedPermanent).
		Time("tick", now).
		Msg("tick complete")
	return summary
}

func (e *Engine) evaluate(ctx context.Context, rule storage.AlertRule, now time.Time) outcome {
	var (
		result outcome
		err    error
	)

	switch rule.Kind {
	case storage.KindScheduled:
		result, err = e.evaluateScheduled(ctx, rule, now)
	case storage.KindDeviation:
		result, err = e.evaluateDeviation(ctx, rule, now)
	case storage.KindTarget:
		result, err = e.evaluateTarget(ctx, rule, now)
	default:
		e.logger.Error().Int64("rule_id", rule.ID).Str("kind", string(rule.Kind)).Msg("unknown rule kind")
		return outcomePermanent
	}

	if err != nil {
		e.logRuleError(rule, err, result)
	}
	return result
}

func (e *Engine) logRuleError(rule storage.AlertRule, err error, result outcome) {
	event := e.logger.Warn()
	if result == outcomePermanent {
		event = e.logger.Error()
	}
	event.Err(err).
		Int64("rule_id", rule.ID).
		Str("kind", string(rule.Kind)).
		Str("pair", rule.Pair()).
		Msg("rule skipped this tick")
}

// classify maps a rate-fetch error to its skip bucket.
func classify(err error) outcome {
	if errors.Is(err, rates.ErrInvalidPair) || errors.Is(err, rates.ErrUnsupportedCurrency) {
		return outcomePermanent
	}
	return outcomeTransient
}

func (e *Engine) evaluateScheduled(ctx context.Context, rule storage.AlertRule, now time.Time) (outcome, error) {
	spec := rule.Scheduled
	if !scheduledDue(spec, now) {
		return outcomeNoFire, nil
	}

	current, err := e.provider.GetRate(ctx, rule.From, rule.To, nil)
	if err != nil {
		return classify(err), fmt.Errorf("fetch current rate: %w", err)
	}
	past := now.AddDate(0, 0, -spec.IntervalDays)
	previous, err := e.provider.GetRate(ctx, rule.From, rule.To, &past)
	if err != nil {
		return classify(err), fmt.Errorf("fetch historical rate: %w", err)
	}
	if previous.Value.Sign() == 0 {
		return outcomeTransient, errors.New("historical rate is zero")
	}
	e.recordSample(ctx, current, now)

	variation := current.Value.Sub(previous.Value).DivRound(previous.Value, 12).Mul(percentScale)
	note := alerting.Notification{
		RuleID:         rule.ID,
		Kind:           string(rule.Kind),
		Pair:           rule.Pair(),
		To:             rule.NotifyTarget,
		CurrentRate:    current.Value,
		ReferenceValue: previous.Value,
		ChangePct:      variation,
		Approximate:    current.Approximate || previous.Approximate,
		FiredAt:        now,
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		// Dispatch failed: last_fired_at stays put so the rule is due
		// again next tick.
		return outcomeTransient, fmt.Errorf("dispatch: %w", err)
	}

	if err := e.rules.MarkScheduledFired(ctx, rule.ID, now); err != nil && !errors.Is(err, storage.ErrRuleNotFound) {
		e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to advance last_fired_at")
	}
	e.recordFired(ctx, rule, note)
	return outcomeFired, nil
}

// scheduledDue applies the interval check; hour-of-day is a delivery
// preference, not a gate (the tick cadence already pins the hour).
func scheduledDue(spec *storage.ScheduledSpec, now time.Time) bool {
	if spec.LastFiredAt == nil {
		return true
	}
	interval := time.Duration(spec.IntervalDays) * 24 * time.Hour
	return now.Sub(*spec.LastFiredAt) >= interval
}

func (e *Engine) evaluateDeviation(ctx context.Context, rule storage.AlertRule, now time.Time) (outcome, error) {
	spec := rule.Deviation

	current, err := e.provider.GetRate(ctx, rule.From, rule.To, nil)
	if err != nil {
		return classify(err), fmt.Errorf("fetch current rate: %w", err)
	}
	e.recordSample(ctx, current, now)

	delta := current.Value.Sub(spec.Baseline).DivRound(spec.Baseline, 12).Mul(percentScale)
	if !deviationFires(spec, delta) {
		return outcomeNoFire, nil
	}

	note := alerting.Notification{
		RuleID:         rule.ID,
		Kind:           string(rule.Kind),
		Pair:           rule.Pair(),
		To:             rule.NotifyTarget,
		CurrentRate:    current.Value,
		ReferenceValue: spec.Baseline,
		ChangePct:      delta,
		Direction:      string(spec.Direction),
		Approximate:    current.Approximate,
		FiredAt:        now,
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		return outcomeTransient, fmt.Errorf("dispatch: %w", err)
	}

	// Re-arm against the rate that fired, so the rule watches the next
	// move instead of refiring every tick. Conditional on the baseline
	// being untouched; a concurrent user edit wins.
	if err := e.rules.RebaselineDeviation(ctx, rule.ID, spec.Baseline, current.Value); err != nil && !errors.Is(err, storage.ErrRuleNotFound) {
		e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to rebaseline rule")
	}
	e.recordFired(ctx, rule, note)
	return outcomeFired, nil
}

func deviationFires(spec *storage.DeviationSpec, delta decimal.Decimal) bool {
	switch spec.Direction {
	case storage.DeviationBoth:
		return delta.Abs().GreaterThanOrEqual(spec.ThresholdPct)
	case storage.DeviationUp:
		return delta.GreaterThanOrEqual(spec.ThresholdPct)
	case storage.DeviationDown:
		return delta.LessThanOrEqual(spec.ThresholdPct.Neg())
	default:
		return false
	}
}

func (e *Engine) evaluateTarget(ctx context.Context, rule storage.AlertRule, now time.Time) (outcome, error) {
	spec := rule.Target

	current, err := e.provider.GetRate(ctx, rule.From, rule.To, nil)
	if err != nil {
		return classify(err), fmt.Errorf("fetch current rate: %w", err)
	}
	e.recordSample(ctx, current, now)

	if !e.targetFires(spec, current.Value) {
		return outcomeNoFire, nil
	}

	change := current.Value.Sub(spec.Value).DivRound(spec.Value, 12).Mul(percentScale)
	note := alerting.Notification{
		RuleID:         rule.ID,
		Kind:           string(rule.Kind),
		Pair:           rule.Pair(),
		To:             rule.NotifyTarget,
		CurrentRate:    current.Value,
		ReferenceValue: spec.Value,
		ChangePct:      change,
		Direction:      string(spec.Direction),
		Approximate:    current.Approximate,
		FiredAt:        now,
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		return outcomeTransient, fmt.Errorf("dispatch: %w", err)
	}

	// One-shot: a target that stays crossed would otherwise refire on
	// every tick. The user re-activates the rule to re-arm it.
	if err := e.rules.DeactivateRule(ctx, rule.ID); err != nil && !errors.Is(err, storage.ErrRuleNotFound) {
		e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to deactivate fired target rule")
	}
	e.recordFired(ctx, rule, note)
	return outcomeFired, nil
}

func (e *Engine) targetFires(spec *storage.TargetSpec, current decimal.Decimal) bool {
	switch spec.Direction {
	case storage.TargetAbove:
		return current.GreaterThan(spec.Value)
	case storage.TargetBelow:
		return current.LessThan(spec.Value)
	case storage.TargetExact:
		return current.Sub(spec.Value).Abs().LessThanOrEqual(e.opts.ExactEpsilon)
	default:
		return false
	}
}

func (e *Engine) recordFired(ctx context.Context, rule storage.AlertRule, note alerting.Notification) {
	if e.alertLog == nil {
		return
	}
	record := storage.FiredAlert{
		RuleID:         rule.ID,
		Kind:           rule.Kind,
		Pair:           rule.Pair(),
		CurrentValue:   note.CurrentRate,
		ReferenceValue: note.ReferenceValue,
		ChangePct:      note.ChangePct,
		NotifyTarget:   note.To,
		FiredAt:        note.FiredAt,
	}
	if _, err := e.alertLog.InsertFiredAlert(ctx, record); err != nil {
		e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to persist fired-alert record")
	}
}

func (e *Engine) recordSample(ctx context.Context, rate rates.Rate, tick time.Time) {
	if e.samples == nil {
		return
	}
	sample := storage.RateSample{
		Base:        rate.Base,
		Quote:       rate.Quote,
		Value:       rate.Value,
		Source:      rate.Source,
		Approximate: rate.Approximate,
		ObservedAt:  rate.AsOf,
		TickTS:      tick,
	}
	if err := e.samples.InsertSample(ctx, sample); err != nil {
		e.logger.Error().Err(err).Str("pair", rate.Base.String()+"/"+rate.Quote.String()).Msg("failed to persist rate sample")
	}
}
