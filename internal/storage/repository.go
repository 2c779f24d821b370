package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fxwatcher/internal/rates"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrRuleNotFound is returned when a rule vanished between load and
	// mutation (deleted by the user, or a conditional update lost the
	// race). Callers treat it as a no-op.
	ErrRuleNotFound = errors.New("storage: rule not found")
)

const (
	ruleColumns = `id,
        owner_id,
        from_currency,
        to_currency,
        notify_target,
        active,
        kind,
        interval_days,
        hour_of_day,
        last_fired_at,
        threshold_pct,
        deviation_direction,
        baseline_rate,
        target_value,
        target_direction,
        created_at,
        updated_at`

	insertRuleSQL = `INSERT INTO alert_rules (
        owner_id,
        from_currency,
        to_currency,
        notify_target,
        active,
        kind,
        interval_days,
        hour_of_day,
        last_fired_at,
        threshold_pct,
        deviation_direction,
        baseline_rate,
        target_value,
        target_direction
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    RETURNING id, created_at, updated_at;`

	getRuleSQL = `SELECT ` + ruleColumns + ` FROM alert_rules WHERE id = $1;`

	findActiveRulesSQL = `SELECT ` + ruleColumns + ` FROM alert_rules WHERE active ORDER BY id;`

	updateRuleSQL = `UPDATE alert_rules
    SET notify_target       = $2,
        active              = $3,
        interval_days       = $4,
        hour_of_day         = $5,
        threshold_pct       = $6,
        deviation_direction = $7,
        baseline_rate       = $8,
        target_value        = $9,
        target_direction    = $10,
        updated_at          = now()
    WHERE id = $1;`

	deleteRuleSQL = `DELETE FROM alert_rules WHERE id = $1;`

	markScheduledFiredSQL = `UPDATE alert_rules
    SET last_fired_at = $2, updated_at = now()
    WHERE id = $1
      AND kind = 'scheduled'
      AND (last_fired_at IS NULL OR last_fired_at < $2);`

	rebaselineDeviationSQL = `UPDATE alert_rules
    SET baseline_rate = $3, updated_at = now()
    WHERE id = $1
      AND kind = 'deviation'
      AND baseline_rate = $2;`

	deactivateRuleSQL = `UPDATE alert_rules
    SET active = false, updated_at = now()
    WHERE id = $1;`

	insertFiredAlertSQL = `INSERT INTO fired_alerts (
        rule_id,
        kind,
        pair,
        current_value,
        reference_value,
        change_pct,
        notify_target,
        fired_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        rule_id,
        kind,
        pair,
        current_value,
        reference_value,
        change_pct,
        notify_target,
        fired_at,
        created_at
    FROM fired_alerts
    ORDER BY fired_at DESC
    LIMIT $1;`

	insertSampleSQL = `INSERT INTO rate_samples (
        base_currency,
        quote_currency,
        value,
        source,
        approximate,
        observed_at,
        tick_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listSamplesBetweenSQL = `SELECT
        id,
        base_currency,
        quote_currency,
        value,
        source,
        approximate,
        observed_at,
        tick_ts,
        created_at
    FROM rate_samples
    WHERE base_currency = $1
      AND quote_currency = $2
      AND tick_ts >= $3
      AND tick_ts < $4
    ORDER BY tick_ts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RuleStore defines CRUD plus the engine's state transitions over alert
// rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	GetRule(ctx context.Context, id int64) (AlertRule, error)
	FindActiveRules(ctx context.Context) ([]AlertRule, error)
	UpdateRule(ctx context.Context, id int64, update RuleUpdate) (AlertRule, error)
	DeleteRule(ctx context.Context, id int64) error

	MarkScheduledFired(ctx context.Context, id int64, firedAt time.Time) error
	RebaselineDeviation(ctx context.Context, id int64, oldBaseline, newBaseline decimal.Decimal) error
	DeactivateRule(ctx context.Context, id int64) error
}

// AlertLogStore records dispatched notifications for auditing.
type AlertLogStore interface {
	InsertFiredAlert(ctx context.Context, alert FiredAlert) (FiredAlert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]FiredAlert, error)
}

// SampleStore persists per-tick rate observations.
type SampleStore interface {
	InsertSample(ctx context.Context, sample RateSample) error
	ListSamplesBetween(ctx context.Context, base, quote rates.Currency, from, to time.Time) ([]RateSample, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rules, fired alerts, and rate samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// CreateRule validates and persists a new alert rule.
func (s *Store) CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return AlertRule{}, err
	}

	args := ruleArgs(rule)
	row := pool.QueryRow(ctx, insertRuleSQL, args...)
	if err := row.Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return AlertRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// GetRule loads a single rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	rule, err := scanRule(pool.QueryRow(ctx, getRuleSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertRule{}, ErrRuleNotFound
	}
	if err != nil {
		return AlertRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// FindActiveRules lists every active rule ordered by id.
func (s *Store) FindActiveRules(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, findActiveRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("find active rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// UpdateRule applies an allow-listed partial update. Read-evaluate-write;
// a concurrent edit of the same rule resolves last-writer-wins.
func (s *Store) UpdateRule(ctx context.Context, id int64, update RuleUpdate) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return AlertRule{}, err
	}

	updated, err := update.ApplyTo(rule)
	if err != nil {
		return AlertRule{}, err
	}

	args := ruleArgs(updated)
	// ruleArgs leads with the insert columns; reuse the variant slots,
	// keyed by id instead of owner/pair which are immutable.
	cmdTag, execErr := pool.Exec(ctx, updateRuleSQL,
		id,
		updated.NotifyTarget,
		updated.Active,
		args[6], args[7], args[9], args[10], args[11], args[12], args[13],
	)
	if execErr != nil {
		return AlertRule{}, fmt.Errorf("update rule: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return AlertRule{}, ErrRuleNotFound
	}
	return updated, nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteRuleSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete rule: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// MarkScheduledFired advances a scheduled rule's last-fired timestamp.
// The timestamp only moves forward.
func (s *Store) MarkScheduledFired(ctx context.Context, id int64, firedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markScheduledFiredSQL, id, firedAt.UTC())
	if execErr != nil {
		return fmt.Errorf("mark scheduled fired: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// RebaselineDeviation re-arms a deviation rule, conditional on the
// baseline still holding the value the engine evaluated against. A
// concurrent user edit wins and the engine's rebaseline becomes a no-op.
func (s *Store) RebaselineDeviation(ctx context.Context, id int64, oldBaseline, newBaseline decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, rebaselineDeviationSQL, id, oldBaseline.String(), newBaseline.String())
	if execErr != nil {
		return fmt.Errorf("rebaseline deviation: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeactivateRule turns a rule off.
func (s *Store) DeactivateRule(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateRuleSQL, id)
	if execErr != nil {
		return fmt.Errorf("deactivate rule: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// InsertFiredAlert persists an audit record of a dispatched notification.
func (s *Store) InsertFiredAlert(ctx context.Context, alert FiredAlert) (FiredAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return FiredAlert{}, err
	}

	row := pool.QueryRow(ctx, insertFiredAlertSQL,
		alert.RuleID,
		string(alert.Kind),
		alert.Pair,
		alert.CurrentValue.String(),
		alert.ReferenceValue.String(),
		alert.ChangePct.String(),
		alert.NotifyTarget,
		alert.FiredAt.UTC(),
	)
	if err := row.Scan(&alert.ID, &alert.CreatedAt); err != nil {
		return FiredAlert{}, fmt.Errorf("insert fired alert: %w", err)
	}
	return alert, nil
}

// ListRecentAlerts lists the most recently fired alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]FiredAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]FiredAlert, 0, limit)
	for rows.Next() {
		var (
			rec          FiredAlert
			kind         string
			currentStr   string
			referenceStr string
			changeStr    string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RuleID,
			&kind,
			&rec.Pair,
			&currentStr,
			&referenceStr,
			&changeStr,
			&rec.NotifyTarget,
			&rec.FiredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Kind = RuleKind(kind)

		var convErr error
		if rec.CurrentValue, convErr = decimal.NewFromString(currentStr); convErr != nil {
			return nil, fmt.Errorf("parse current value: %w", convErr)
		}
		if rec.ReferenceValue, convErr = decimal.NewFromString(referenceStr); convErr != nil {
			return nil, fmt.Errorf("parse reference value: %w", convErr)
		}
		if rec.ChangePct, convErr = decimal.NewFromString(changeStr); convErr != nil {
			return nil, fmt.Errorf("parse change pct: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// InsertSample persists one per-tick rate observation.
func (s *Store) InsertSample(ctx context.Context, sample RateSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.Base.String(),
		sample.Quote.String(),
		sample.Value.String(),
		string(sample.Source),
		sample.Approximate,
		sample.ObservedAt.UTC(),
		sample.TickTS.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("insert rate sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists a pair's samples within a tick window.
func (s *Store) ListSamplesBetween(ctx context.Context, base, quote rates.Currency, from, to time.Time) ([]RateSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, base.String(), quote.String(), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]RateSample, 0)
	for rows.Next() {
		var (
			sample   RateSample
			baseStr  string
			quoteStr string
			valueStr string
			source   string
		)
		if err := rows.Scan(
			&sample.ID,
			&baseStr,
			&quoteStr,
			&valueStr,
			&source,
			&sample.Approximate,
			&sample.ObservedAt,
			&sample.TickTS,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}
		sample.Base = rates.Currency(baseStr)
		sample.Quote = rates.Currency(quoteStr)
		sample.Source = rates.Source(source)

		var convErr error
		if sample.Value, convErr = decimal.NewFromString(valueStr); convErr != nil {
			return nil, fmt.Errorf("parse sample value: %w", convErr)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ruleArgs flattens a rule into the insert column order. Variant slots
// for the other kinds stay NULL.
func ruleArgs(rule AlertRule) []interface{} {
	var (
		intervalDays interface{}
		hourOfDay    interface{}
		lastFiredAt  interface{}
		thresholdPct interface{}
		devDirection interface{}
		baseline     interface{}
		targetValue  interface{}
		targetDir    interface{}
	)

	switch rule.Kind {
	case KindScheduled:
		intervalDays = rule.Scheduled.IntervalDays
		hourOfDay = rule.Scheduled.HourOfDay
		if rule.Scheduled.LastFiredAt != nil {
			lastFiredAt = rule.Scheduled.LastFiredAt.UTC()
		}
	case KindDeviation:
		thresholdPct = rule.Deviation.ThresholdPct.String()
		devDirection = string(rule.Deviation.Direction)
		baseline = rule.Deviation.Baseline.String()
	case KindTarget:
		targetValue = rule.Target.Value.String()
		targetDir = string(rule.Target.Direction)
	}

	return []interface{}{
		rule.OwnerID,
		rule.From.String(),
		rule.To.String(),
		rule.NotifyTarget,
		rule.Active,
		string(rule.Kind),
		intervalDays,
		hourOfDay,
		lastFiredAt,
		thresholdPct,
		devDirection,
		baseline,
		targetValue,
		targetDir,
	}
}

func scanRule(row pgx.Row) (AlertRule, error) {
	var (
		rule         AlertRule
		fromStr      string
		toStr        string
		kind         string
		intervalDays sql.NullInt64
		hourOfDay    sql.NullInt64
		lastFiredAt  sql.NullTime
		thresholdStr sql.NullString
		devDirection sql.NullString
		baselineStr  sql.NullString
		targetStr    sql.NullString
		targetDir    sql.NullString
	)

	if err := row.Scan(
		&rule.ID,
		&rule.OwnerID,
		&fromStr,
		&toStr,
		&rule.NotifyTarget,
		&rule.Active,
		&kind,
		&intervalDays,
		&hourOfDay,
		&lastFiredAt,
		&thresholdStr,
		&devDirection,
		&baselineStr,
		&targetStr,
		&targetDir,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	rule.From = rates.Currency(fromStr)
	rule.To = rates.Currency(toStr)
	rule.Kind = RuleKind(kind)

	switch rule.Kind {
	case KindScheduled:
		spec := &ScheduledSpec{
			IntervalDays: int(intervalDays.Int64),
			HourOfDay:    int(hourOfDay.Int64),
		}
		if lastFiredAt.Valid {
			at := lastFiredAt.Time
			spec.LastFiredAt = &at
		}
		rule.Scheduled = spec
	case KindDeviation:
		threshold, err := decimal.NewFromString(thresholdStr.String)
		if err != nil {
			return AlertRule{}, fmt.Errorf("parse threshold pct: %w", err)
		}
		baseline, err := decimal.NewFromString(baselineStr.String)
		if err != nil {
			return AlertRule{}, fmt.Errorf("parse baseline rate: %w", err)
		}
		rule.Deviation = &DeviationSpec{
			ThresholdPct: threshold,
			Direction:    DeviationDirection(devDirection.String),
			Baseline:     baseline,
		}
	case KindTarget:
		value, err := decimal.NewFromString(targetStr.String)
		if err != nil {
			return AlertRule{}, fmt.Errorf("parse target value: %w", err)
		}
		rule.Target = &TargetSpec{
			Value:     value,
			Direction: TargetDirection(targetDir.String),
		}
	default:
		return AlertRule{}, fmt.Errorf("unknown rule kind %q", kind)
	}

	return rule, nil
}
