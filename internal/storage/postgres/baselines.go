package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// SaveBaselines upserts the full baseline state in one transaction so a
// partial write can never mix ticks.
func (s *Store) SaveBaselines(ctx context.Context, states []model.MetricBaselineState) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin baselines tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, b := range states {
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO metric_baselines (metric, inverted, ema, mean, samples, warning, critical, valid, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (metric) DO UPDATE SET
			   inverted = EXCLUDED.inverted,
			   ema = EXCLUDED.ema,
			   mean = EXCLUDED.mean,
			   samples = EXCLUDED.samples,
			   warning = EXCLUDED.warning,
			   critical = EXCLUDED.critical,
			   valid = EXCLUDED.valid,
			   updated_at = EXCLUDED.updated_at`,
			string(b.Metric), b.Inverted, b.EMA, b.Mean, b.Samples, b.Warning, b.Critical, b.Valid, b.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: upsert baseline %s: %w", b.Metric, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit baselines: %w", err)
	}
	return nil
}

// LoadBaselines returns all persisted baseline rows.
func (s *Store) LoadBaselines(ctx context.Context) ([]model.MetricBaselineState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT metric, inverted, ema, mean, samples, warning, critical, valid, updated_at
		 FROM metric_baselines ORDER BY metric`,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load baselines: %w", err)
	}
	defer rows.Close()

	var out []model.MetricBaselineState
	for rows.Next() {
		var b model.MetricBaselineState
		if err := rows.Scan(&b.Metric, &b.Inverted, &b.EMA, &b.Mean, &b.Samples, &b.Warning, &b.Critical, &b.Valid, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan baseline: %w", err)
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
	return withRetry(ctx, 3, 100*time.Millisecond, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO breaker_state (id, state, consecutive_fails, half_open_successes, opened_at, opens,
			                            total_failures, total_successes, last_success, last_failure, updated_at)
			 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			   state = EXCLUDED.state,
			   consecutive_fails = EXCLUDED.consecutive_fails,
			   half_open_successes = EXCLUDED.half_open_successes,
			   opened_at = EXCLUDED.opened_at,
			   opens = EXCLUDED.opens,
			   total_failures = EXCLUDED.total_failures,
			   total_successes = EXCLUDED.total_successes,
			   last_success = EXCLUDED.last_success,
			   last_failure = EXCLUDED.last_failure,
			   updated_at = EXCLUDED.updated_at`,
			b.State, b.ConsecutiveFails, b.HalfOpenSuccesses, b.OpenedAt, b.Opens,
			b.TotalFailures, b.TotalSuccesses, b.LastSuccess, b.LastFailure, b.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: save breaker state: %w", err)
		}
		return nil
	})
}

// LoadBreakerState returns the persisted breaker row.
func (s *Store) LoadBreakerState(ctx context.Context) (model.BreakerState, error) {
	var b model.BreakerState
	err := s.pool.QueryRow(ctx,
		`SELECT state, consecutive_fails, half_open_successes, opened_at, opens,
		        total_failures, total_successes, last_success, last_failure, updated_at
		 FROM breaker_state WHERE id = 1`,
	).Scan(&b.State, &b.ConsecutiveFails, &b.HalfOpenSuccesses, &b.OpenedAt, &b.Opens,
		&b.TotalFailures, &b.TotalSuccesses, &b.LastSuccess, &b.LastFailure, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.BreakerState{}, fmt.Errorf("postgres: breaker state: %w", storage.ErrNotFound)
		}
		return model.BreakerState{}, fmt.Errorf("postgres: load breaker state: %w", err)
	}
	return b, nil
}
