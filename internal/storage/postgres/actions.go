package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// InsertActionRecord persists the audit row written at apply time, before
// the stabilization window opens.
func (s *Store) InsertActionRecord(ctx context.Context, rec model.ActionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO action_records (id, diagnosis_id, action, outcome, before_snapshot,
		 after_snapshot, reward, detail, content_hash, executed_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.DiagnosisID, rec.Action, string(rec.Outcome), rec.Before,
		rec.After, rec.Reward, rec.Detail, rec.ContentHash, rec.ExecutedAt, rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert action record: %w", err)
	}
	return nil
}

// ResolveActionRecord writes the post-stabilization fields: final outcome,
// after snapshot, reward, detail, content hash, and resolution time.
func (s *Store) ResolveActionRecord(ctx context.Context, rec model.ActionRecord) error {
	return withRetry(ctx, 3, 100*time.Millisecond, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE action_records
			 SET outcome = $2, after_snapshot = $3, reward = $4, detail = $5,
			     content_hash = $6, resolved_at = $7
			 WHERE id = $1`,
			rec.ID, string(rec.Outcome), rec.After, rec.Reward, rec.Detail,
			rec.ContentHash, rec.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: resolve action record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: action record %s: %w", rec.ID, storage.ErrNotFound)
		}
		return nil
	})
}

// ListActionRecords returns action records newest first, optionally filtered
// by outcome and execution time.
func (s *Store) ListActionRecords(ctx context.Context, f storage.ActionFilter) ([]model.ActionRecord, error) {
	var conditions []string
	var args []any
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conditions = append(conditions, fmt.Sprintf("executed_at >= $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, diagnosis_id, action, outcome, before_snapshot,
		 after_snapshot, reward, detail, content_hash, executed_at, resolved_at
		 FROM action_records%s ORDER BY executed_at DESC LIMIT %d`, where, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list action records: %w", err)
	}
	defer rows.Close()

	return scanActionRecords(rows)
}

// CountActionsSince counts action records executed at or after since. The
// executor's hourly budget uses this so restarts do not reset the count.
func (s *Store) CountActionsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM action_records WHERE executed_at >= $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count recent actions: %w", err)
	}
	return n, nil
}

// UpsertEffectiveness overwrites the per-(kind, target) aggregate. The
// learner computes the new running values; this just stores them.
func (s *Store) UpsertEffectiveness(ctx context.Context, e model.ActionEffectiveness) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	return withRetry(ctx, 3, 100*time.Millisecond, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO action_effectiveness (kind, target, attempts, successes, mean_reward, score, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (kind, target) DO UPDATE SET
			   attempts = EXCLUDED.attempts,
			   successes = EXCLUDED.successes,
			   mean_reward = EXCLUDED.mean_reward,
			   score = EXCLUDED.score,
			   updated_at = EXCLUDED.updated_at`,
			string(e.Kind), e.Target, e.Attempts, e.Successes, e.MeanReward, e.Score, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert effectiveness: %w", err)
		}
		return nil
	})
}

// GetEffectiveness retrieves one aggregate by kind and target.
func (s *Store) GetEffectiveness(ctx context.Context, kind model.ActionKind, target string) (model.ActionEffectiveness, error) {
	var e model.ActionEffectiveness
	err := s.pool.QueryRow(ctx,
		`SELECT kind, target, attempts, successes, mean_reward, score, updated_at
		 FROM action_effectiveness WHERE kind = $1 AND target = $2`,
		string(kind), target,
	).Scan(&e.Kind, &e.Target, &e.Attempts, &e.Successes, &e.MeanReward, &e.Score, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ActionEffectiveness{}, fmt.Errorf("postgres: effectiveness %s/%s: %w", kind, target, storage.ErrNotFound)
		}
		return model.ActionEffectiveness{}, fmt.Errorf("postgres: get effectiveness: %w", err)
	}
	return e, nil
}

// ListEffectiveness returns aggregates ranked by score descending.
func (s *Store) ListEffectiveness(ctx context.Context, limit int) ([]model.ActionEffectiveness, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT kind, target, attempts, successes, mean_reward, score, updated_at
		 FROM action_effectiveness ORDER BY score DESC, updated_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list effectiveness: %w", err)
	}
	defer rows.Close()

	var out []model.ActionEffectiveness
	for rows.Next() {
		var e model.ActionEffectiveness
		if err := rows.Scan(&e.Kind, &e.Target, &e.Attempts, &e.Successes, &e.MeanReward, &e.Score, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan effectiveness: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanActionRecords(rows pgx.Rows) ([]model.ActionRecord, error) {
	var out []model.ActionRecord
	for rows.Next() {
		var rec model.ActionRecord
		if err := rows.Scan(
			&rec.ID, &rec.DiagnosisID, &rec.Action, &rec.Outcome, &rec.Before,
			&rec.After, &rec.Reward, &rec.Detail, &rec.ContentHash, &rec.ExecutedAt, &rec.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan action record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
