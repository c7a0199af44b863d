package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// InsertReflection persists a periodic review.
func (s *Store) InsertReflection(ctx context.Context, r model.Reflection) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reflections (id, window_start, window_end, actions_seen, summary, suggestions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), formatTime(r.WindowStart), formatTime(r.WindowEnd),
		r.ActionsSeen, r.Summary, r.Suggestions, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert reflection: %w", err)
	}
	return nil
}

// ListReflections returns reflections newest first.
func (s *Store) ListReflections(ctx context.Context, limit int) ([]model.Reflection, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, window_start, window_end, actions_seen, summary, suggestions, created_at
		 FROM reflections ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list reflections: %w", err)
	}
	defer rows.Close()

	var out []model.Reflection
	for rows.Next() {
		var r model.Reflection
		var id, start, end, created string
		if err := rows.Scan(&id, &start, &end, &r.ActionsSeen, &r.Summary, &r.Suggestions, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan reflection: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: reflection id %q: %w", id, err)
		}
		if r.WindowStart, err = parseTime(start); err != nil {
			return nil, err
		}
		if r.WindowEnd, err = parseTime(end); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveBaselines upserts the full baseline state in one transaction.
func (s *Store) SaveBaselines(ctx context.Context, states []model.MetricBaselineState) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin baselines tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, b := range states {
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO metric_baselines (metric, inverted, ema, mean, samples, warning, critical, valid, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(metric) DO UPDATE SET
			   inverted = excluded.inverted,
			   ema = excluded.ema,
			   mean = excluded.mean,
			   samples = excluded.samples,
			   warning = excluded.warning,
			   critical = excluded.critical,
			   valid = excluded.valid,
			   updated_at = excluded.updated_at`,
			string(b.Metric), b.Inverted, b.EMA, b.Mean, b.Samples, b.Warning, b.Critical, b.Valid, formatTime(b.UpdatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: upsert baseline %s: %w", b.Metric, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit baselines: %w", err)
	}
	return nil
}

// LoadBaselines returns all persisted baseline rows.
func (s *Store) LoadBaselines(ctx context.Context) ([]model.MetricBaselineState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metric, inverted, ema, mean, samples, warning, critical, valid, updated_at
		 FROM metric_baselines ORDER BY metric`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load baselines: %w", err)
	}
	defer rows.Close()

	var out []model.MetricBaselineState
	for rows.Next() {
		var b model.MetricBaselineState
		var metric, updated string
		if err := rows.Scan(&metric, &b.Inverted, &b.EMA, &b.Mean, &b.Samples, &b.Warning, &b.Critical, &b.Valid, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan baseline: %w", err)
		}
		b.Metric = model.MetricKind(metric)
		if b.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveBreakerState upserts the single breaker row.
func (s *Store) SaveBreakerState(ctx context.Context, b model.BreakerState) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	formatNull := func(t *time.Time) any {
		if t == nil {
			return nil
		}
		return formatTime(*t)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO breaker_state (id, state, consecutive_fails, half_open_successes, opened_at, opens,
		                            total_failures, total_successes, last_success, last_failure, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   consecutive_fails = excluded.consecutive_fails,
		   half_open_successes = excluded.half_open_successes,
		   opened_at = excluded.opened_at,
		   opens = excluded.opens,
		   total_failures = excluded.total_failures,
		   total_successes = excluded.total_successes,
		   last_success = excluded.last_success,
		   last_failure = excluded.last_failure,
		   updated_at = excluded.updated_at`,
		b.State, b.ConsecutiveFails, b.HalfOpenSuccesses, formatNull(b.OpenedAt), b.Opens,
		b.TotalFailures, b.TotalSuccesses, formatNull(b.LastSuccess), formatNull(b.LastFailure), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerState returns the persisted breaker row.
func (s *Store) LoadBreakerState(ctx context.Context) (model.BreakerState, error) {
	var b model.BreakerState
	var opened, lastSuccess, lastFailure sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, consecutive_fails, half_open_successes, opened_at, opens,
		        total_failures, total_successes, last_success, last_failure, updated_at
		 FROM breaker_state WHERE id = 1`,
	).Scan(&b.State, &b.ConsecutiveFails, &b.HalfOpenSuccesses, &opened, &b.Opens,
		&b.TotalFailures, &b.TotalSuccesses, &lastSuccess, &lastFailure, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BreakerState{}, fmt.Errorf("sqlite: breaker state: %w", storage.ErrNotFound)
		}
		return model.BreakerState{}, fmt.Errorf("sqlite: load breaker state: %w", err)
	}
	if b.OpenedAt, err = parseNullTime(opened); err != nil {
		return model.BreakerState{}, err
	}
	if b.LastSuccess, err = parseNullTime(lastSuccess); err != nil {
		return model.BreakerState{}, err
	}
	if b.LastFailure, err = parseNullTime(lastFailure); err != nil {
		return model.BreakerState{}, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return model.BreakerState{}, err
	}
	return b, nil
}

// InsertInvocations inserts a flushed recorder batch in one transaction.
func (s *Store) InsertInvocations(ctx context.Context, batch []model.Invocation) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin invocations tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO invocations (id, tool, mode, pipe, latency_ms, success, fallback, quality, error_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("sqlite: prepare invocations: %w", err)
	}
	defer stmt.Close()

	for _, inv := range batch {
		if inv.ID == uuid.Nil {
			inv.ID = uuid.New()
		}
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = time.Now().UTC()
		}
		var quality any
		if inv.Quality != nil {
			quality = *inv.Quality
		}
		if _, err := stmt.ExecContext(ctx,
			inv.ID.String(), inv.Tool, inv.Mode, inv.Pipe, inv.LatencyMS,
			inv.Success, inv.Fallback, quality, inv.ErrorKind, formatTime(inv.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: insert invocation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit invocations: %w", err)
	}
	return nil
}

// AggregateInvocations computes one health snapshot over a window. The p95
// uses nearest-rank rather than interpolation; close enough at loop scale.
func (s *Store) AggregateInvocations(ctx context.Context, w storage.InvocationWindow) (model.MetricsSnapshot, error) {
	from, to := formatTime(w.From), formatTime(w.To)

	var total, failed, fallbacks, qualityN int
	var quality sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		   COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN fallback = 1 THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN quality IS NOT NULL THEN 1 ELSE 0 END), 0),
		   AVG(quality)
		 FROM invocations WHERE created_at >= ? AND created_at < ?`,
		from, to,
	).Scan(&total, &failed, &fallbacks, &qualityN, &quality)
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("sqlite: aggregate invocations: %w", err)
	}

	snap := model.MetricsSnapshot{
		WindowStart:    w.From,
		WindowEnd:      w.To,
		SampleCount:    total,
		QualitySamples: qualityN,
	}
	if total > 0 {
		snap.ErrorRate = float64(failed) / float64(total)
		snap.FallbackRate = float64(fallbacks) / float64(total)

		offset := (total*95+99)/100 - 1
		if offset < 0 {
			offset = 0
		}
		var p95 float64
		err = s.db.QueryRowContext(ctx,
			`SELECT latency_ms FROM invocations
			 WHERE created_at >= ? AND created_at < ?
			 ORDER BY latency_ms LIMIT 1 OFFSET ?`,
			from, to, offset,
		).Scan(&p95)
		if err != nil {
			return model.MetricsSnapshot{}, fmt.Errorf("sqlite: latency percentile: %w", err)
		}
		snap.LatencyP95MS = p95
	}
	if quality.Valid {
		snap.QualityScore = quality.Float64
	}
	return snap, nil
}

// PruneInvocations deletes rows older than before.
func (s *Store) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE created_at < ?`, formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune invocations: %w", err)
	}
	return res.RowsAffected()
}

// InsertIncident persists an incident. The embedding is dropped: SQLite has
// no vector index and the precedent worker only runs on postgres.
func (s *Store) InsertIncident(ctx context.Context, inc model.Incident) error {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, diagnosis_id, severity, metric, summary, action_taken, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID.String(), inc.DiagnosisID.String(), string(inc.Severity), string(inc.Metric),
		inc.Summary, inc.ActionTaken, string(inc.Outcome), formatTime(inc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert incident: %w", err)
	}
	return nil
}

// ResolveIncident fills in the action and outcome once the executor settles
// a diagnosis. Diagnoses without an incident are a no-op.
func (s *Store) ResolveIncident(ctx context.Context, diagnosisID uuid.UUID, actionTaken string, outcome model.ActionOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET action_taken = ?, outcome = ? WHERE diagnosis_id = ?`,
		actionTaken, string(outcome), diagnosisID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: resolve incident: %w", err)
	}
	return nil
}

// GetIncidentsByIDs hydrates incidents for a set of IDs.
func (s *Store) GetIncidentsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Incident, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id.String()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, diagnosis_id, severity, metric, summary, action_taken, outcome, created_at
		 FROM incidents WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		var id, diagID, severity, metric, outcome, created string
		if err := rows.Scan(&id, &diagID, &severity, &metric, &inc.Summary, &inc.ActionTaken, &outcome, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan incident: %w", err)
		}
		if inc.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: incident id %q: %w", id, err)
		}
		if inc.DiagnosisID, err = uuid.Parse(diagID); err != nil {
			return nil, fmt.Errorf("sqlite: incident diagnosis id %q: %w", diagID, err)
		}
		inc.Severity = model.Severity(severity)
		inc.Metric = model.MetricKind(metric)
		inc.Outcome = model.ActionOutcome(outcome)
		if inc.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
