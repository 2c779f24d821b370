package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxwatcher/internal/alerting"
	"fxwatcher/internal/rates"
	"fxwatcher/internal/storage"
)

type fakeRuleStore struct {
	mu    sync.Mutex
	rules map[int64]storage.AlertRule
}

func newFakeRuleStore(rules ...storage.AlertRule) *fakeRuleStore {
	s := &fakeRuleStore{rules: make(map[int64]storage.AlertRule)}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

func (s *fakeRuleStore) CreateRule(ctx context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = int64(len(s.rules) + 1)
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *fakeRuleStore) GetRule(ctx context.Context, id int64) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.AlertRule{}, storage.ErrRuleNotFound
	}
	return rule, nil
}

func (s *fakeRuleStore) FindActiveRules(ctx context.Context) ([]storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AlertRule
	for _, rule := range s.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (s *fakeRuleStore) UpdateRule(ctx context.Context, id int64, update storage.RuleUpdate) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.AlertRule{}, storage.ErrRuleNotFound
	}
	updated, err := update.ApplyTo(rule)
	if err != nil {
		return storage.AlertRule{}, err
	}
	s.rules[id] = updated
	return updated, nil
}

func (s *fakeRuleStore) DeleteRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return storage.ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *fakeRuleStore) MarkScheduledFired(ctx context.Context, id int64, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Kind != storage.KindScheduled {
		return storage.ErrRuleNotFound
	}
	spec := *rule.Scheduled
	at := firedAt
	spec.LastFiredAt = &at
	rule.Scheduled = &spec
	s.rules[id] = rule
	return nil
}

func (s *fakeRuleStore) RebaselineDeviation(ctx context.Context, id int64, oldBaseline, newBaseline decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.Kind != storage.KindDeviation || !rule.Deviation.Baseline.Equal(oldBaseline) {
		return storage.ErrRuleNotFound
	}
	spec := *rule.Deviation
	spec.Baseline = newBaseline
	rule.Deviation = &spec
	s.rules[id] = rule
	return nil
}

func (s *fakeRuleStore) DeactivateRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	rule.Active = false
	s.rules[id] = rule
	return nil
}

type ratesProvider struct {
	mu     sync.Mutex
	latest map[string]decimal.Decimal
	past   map[string]decimal.Decimal
	err    error
}

func (p *ratesProvider) GetRate(ctx context.Context, from, to rates.Currency, asOf *time.Time) (rates.Rate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return rates.Rate{}, p.err
	}

	table := p.latest
	if asOf != nil {
		table = p.past
	}
	value, ok := table[from.String()+"/"+to.String()]
	if !ok {
		return rates.Rate{}, rates.ErrUpstreamUnavailable
	}
	return rates.Rate{Base: from, Quote: to, Value: value, AsOf: time.Now(), Source: rates.SourcePrimary}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

var tickNow = time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

func newEngine(store storage.RuleStore, provider rates.RateProvider, notifier alerting.Notifier) *Engine {
	return New(store, provider, notifier, nil, nil, Options{}, zerolog.Nop())
}

func scheduledRule(id int64, lastFired *time.Time) storage.AlertRule {
	return storage.AlertRule{
		ID:           id,
		OwnerID:      "user-1",
		From:         "EUR",
		To:           "USD",
		NotifyTarget: "user@example.com",
		Active:       true,
		Kind:         storage.KindScheduled,
		Scheduled:    &storage.ScheduledSpec{IntervalDays: 7, HourOfDay: 9, LastFiredAt: lastFired},
	}
}

func deviationRule(id int64, direction storage.DeviationDirection, threshold, baseline float64) storage.AlertRule {
	return storage.AlertRule{
		ID:           id,
		OwnerID:      "user-1",
		From:         "EUR",
		To:           "USD",
		NotifyTarget: "user@example.com",
		Active:       true,
		Kind:         storage.KindDeviation,
		Deviation: &storage.DeviationSpec{
			ThresholdPct: decimal.NewFromFloat(threshold),
			Direction:    direction,
			Baseline:     decimal.NewFromFloat(baseline),
		},
	}
}

func targetRule(id int64, direction storage.TargetDirection, value float64) storage.AlertRule {
	return storage.AlertRule{
		ID:           id,
		OwnerID:      "user-1",
		From:         "EUR",
		To:           "USD",
		NotifyTarget: "user@example.com",
		Active:       true,
		Kind:         storage.KindTarget,
		Target: &storage.TargetSpec{
			Value:     decimal.NewFromFloat(value),
			Direction: direction,
		},
	}
}

func TestScheduledRuleDueness(t *testing.T) {
	eightDaysAgo := tickNow.AddDate(0, 0, -8)
	threeDaysAgo := tickNow.AddDate(0, 0, -3)

	if !scheduledDue(&storage.ScheduledSpec{IntervalDays: 7, LastFiredAt: &eightDaysAgo}, tickNow) {
		t.Fatal("rule last fired 8 days ago with a 7-day interval is due")
	}
	if scheduledDue(&storage.ScheduledSpec{IntervalDays: 7, LastFiredAt: &threeDaysAgo}, tickNow) {
		t.Fatal("rule last fired 3 days ago with a 7-day interval is not due")
	}
	if !scheduledDue(&storage.ScheduledSpec{IntervalDays: 7}, tickNow) {
		t.Fatal("never-fired rule is always due")
	}
}

func TestScheduledRuleFiresAndAdvancesLastFired(t *testing.T) {
	store := newFakeRuleStore(scheduledRule(1, nil))
	provider := &ratesProvider{
		latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.05)},
		past:   map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.00)},
	}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Fired != 1 || summary.Evaluated != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", notifier.count())
	}

	rule, _ := store.GetRule(context.Background(), 1)
	if rule.Scheduled.LastFiredAt == nil || !rule.Scheduled.LastFiredAt.Equal(tickNow) {
		t.Fatalf("last_fired_at should advance to the tick time, got %v", rule.Scheduled.LastFiredAt)
	}

	// The same tick re-run is no longer due.
	summary = newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Fired != 0 {
		t.Fatalf("freshly fired rule must not be due again: %+v", summary)
	}
}

func TestScheduledRuleFetchFailureLeavesStateUntouched(t *testing.T) {
	store := newFakeRuleStore(scheduledRule(1, nil))
	provider := &ratesProvider{err: rates.ErrUpstreamUnavailable}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.SkippedTransient != 1 || summary.Fired != 0 {
		t.Fatalf("upstream failure should count as transient skip: %+v", summary)
	}

	rule, _ := store.GetRule(context.Background(), 1)
	if rule.Scheduled.LastFiredAt != nil {
		t.Fatal("fetch failure must not advance last_fired_at")
	}
}

func TestDeviationDirections(t *testing.T) {
	cases := []struct {
		name      string
		direction storage.DeviationDirection
		current   float64
		fires     bool
	}{
		{"up fires on +3%", storage.DeviationUp, 1.03, true},
		{"up ignores -3%", storage.DeviationUp, 0.97, false},
		{"both fires on -3%", storage.DeviationBoth, 0.97, true},
		{"down fires on -3%", storage.DeviationDown, 0.97, true},
		{"down ignores +3%", storage.DeviationDown, 1.03, false},
		{"up ignores sub-threshold", storage.DeviationUp, 1.01, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeRuleStore(deviationRule(1, tc.direction, 2, 1.00))
			provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(tc.current)}}
			notifier := &recordingNotifier{}

			summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
			if (summary.Fired == 1) != tc.fires {
				t.Fatalf("direction=%s current=%v: expected fires=%v, summary %+v", tc.direction, tc.current, tc.fires, summary)
			}
		})
	}
}

func TestDeviationRebaselinesAfterFire(t *testing.T) {
	store := newFakeRuleStore(deviationRule(1, storage.DeviationUp, 2, 1.00))
	provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.03)}}
	notifier := &recordingNotifier{}
	eng := newEngine(store, provider, notifier)

	if summary := eng.Tick(context.Background(), tickNow); summary.Fired != 1 {
		t.Fatalf("expected fire, got %+v", summary)
	}

	rule, _ := store.GetRule(context.Background(), 1)
	if !rule.Deviation.Baseline.Equal(decimal.NewFromFloat(1.03)) {
		t.Fatalf("rule should re-arm against the firing rate, baseline=%s", rule.Deviation.Baseline)
	}

	// Rate unchanged: the re-armed rule stays quiet next tick.
	if summary := eng.Tick(context.Background(), tickNow.Add(24*time.Hour)); summary.Fired != 0 {
		t.Fatalf("re-armed rule must not refire at the same rate: %+v", summary)
	}
}

func TestTargetRuleFiresAndDeactivates(t *testing.T) {
	store := newFakeRuleStore(targetRule(1, storage.TargetAbove, 1.20))
	provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.21)}}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Fired != 1 {
		t.Fatalf("1.21 above target 1.20 should fire: %+v", summary)
	}

	rule, _ := store.GetRule(context.Background(), 1)
	if rule.Active {
		t.Fatal("fired target rule should be deactivated (one-shot)")
	}
}

func TestTargetRuleBelowThresholdDoesNotFire(t *testing.T) {
	store := newFakeRuleStore(targetRule(1, storage.TargetAbove, 1.20))
	provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.19)}}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Fired != 0 {
		t.Fatalf("1.19 is not above 1.20: %+v", summary)
	}
	rule, _ := store.GetRule(context.Background(), 1)
	if !rule.Active {
		t.Fatal("rule that did not fire must stay active")
	}
}

func TestTargetExactUsesEpsilon(t *testing.T) {
	store := newFakeRuleStore(targetRule(1, storage.TargetExact, 1.20))
	provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.20005)}}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Fired != 1 {
		t.Fatalf("1.20005 is within the 0.0001 epsilon of 1.20: %+v", summary)
	}

	store = newFakeRuleStore(targetRule(1, storage.TargetExact, 1.20))
	provider = &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.21)}}
	summary = newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Fired != 0 {
		t.Fatalf("1.21 is outside the epsilon of 1.20: %+v", summary)
	}
}

func TestUnsupportedPairSkippedWithoutDeactivation(t *testing.T) {
	rule := deviationRule(1, storage.DeviationUp, 2, 1.00)
	rule.To = "XXX"
	store := newFakeRuleStore(rule)
	provider := &ratesProvider{err: rates.ErrUnsupportedCurrency}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.SkippedPermanent != 1 {
		t.Fatalf("unsupported currency should count as permanent skip: %+v", summary)
	}
	if notifier.count() != 0 {
		t.Fatal("no dispatch for a skipped rule")
	}

	got, _ := store.GetRule(context.Background(), 1)
	if !got.Active {
		t.Fatal("permanently skipped rules must not be auto-deactivated")
	}
}

func TestDispatchFailureLeavesRuleEligibleForRetry(t *testing.T) {
	store := newFakeRuleStore(deviationRule(1, storage.DeviationUp, 2, 1.00))
	provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.03)}}
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	eng := newEngine(store, provider, notifier)

	summary := eng.Tick(context.Background(), tickNow)
	if summary.SkippedTransient != 1 || summary.Fired != 0 {
		t.Fatalf("dispatch failure should count as transient: %+v", summary)
	}

	rule, _ := store.GetRule(context.Background(), 1)
	if !rule.Deviation.Baseline.Equal(decimal.NewFromFloat(1.00)) {
		t.Fatal("dispatch failure must not rebaseline the rule")
	}

	// Channel recovers: the identical input fires on the next tick.
	notifier.err = nil
	if summary := eng.Tick(context.Background(), tickNow.Add(24*time.Hour)); summary.Fired != 1 {
		t.Fatalf("retry after dispatch failure should fire: %+v", summary)
	}
}

func TestRuleVanishingMidTickIsNoop(t *testing.T) {
	store := newFakeRuleStore(scheduledRule(1, nil))
	provider := &ratesProvider{
		latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.05)},
		past:   map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.00)},
	}
	notifier := &recordingNotifier{}
	eng := New(store, provider, &vanishingNotifier{store: store, inner: notifier}, nil, nil, Options{}, zerolog.Nop())

	// The rule is deleted while its notification is in flight; marking
	// it fired afterwards hits ErrRuleNotFound and must not crash the
	// tick.
	summary := eng.Tick(context.Background(), tickNow)
	if summary.Fired != 1 {
		t.Fatalf("dispatch succeeded, so the rule counts as fired: %+v", summary)
	}
}

type vanishingNotifier struct {
	store *fakeRuleStore
	inner *recordingNotifier
}

func (v *vanishingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	if err := v.inner.Notify(ctx, note); err != nil {
		return err
	}
	_ = v.store.DeleteRule(ctx, note.RuleID)
	return nil
}

func TestMixedRuleSetIsolation(t *testing.T) {
	broken := deviationRule(2, storage.DeviationUp, 2, 1.00)
	broken.From = "GBP" // provider has no GBP quote: transient failure
	store := newFakeRuleStore(deviationRule(1, storage.DeviationUp, 2, 1.00), broken)
	provider := &ratesProvider{latest: map[string]decimal.Decimal{"EUR/USD": decimal.NewFromFloat(1.03)}}
	notifier := &recordingNotifier{}

	summary := newEngine(store, provider, notifier).Tick(context.Background(), tickNow)
	if summary.Evaluated != 2 || summary.Fired != 1 || summary.SkippedTransient != 1 {
		t.Fatalf("one rule's failure must not abort the other: %+v", summary)
	}
}
