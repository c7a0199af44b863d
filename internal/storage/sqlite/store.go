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

type rowScanner interface {
	Scan(dest ...any) error
}

// InsertDiagnosis persists a new diagnosis.
func (s *Store) InsertDiagnosis(ctx context.Context, d model.SelfDiagnosis) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	report, err := marshalJSON(d.Report)
	if err != nil {
		return err
	}
	action, err := marshalJSON(d.Action)
	if err != nil {
		return err
	}
	trace, err := marshalJSON(d.PipeTrace)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO diagnoses (id, report, hypothesis, action, status, confidence,
		 rejected_reason, pipe_trace, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), report, d.Hypothesis, action, string(d.Status), d.Confidence,
		d.RejectedReason, trace, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert diagnosis: %w", err)
	}
	return nil
}

// UpdateDiagnosisStatus advances a diagnosis and records the reason for
// rejected or blocked terminal states.
func (s *Store) UpdateDiagnosisStatus(ctx context.Context, id uuid.UUID, status model.DiagnosisStatus, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE diagnoses SET status = ?, rejected_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, formatTime(time.Now()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update diagnosis status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: diagnosis %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetDiagnosis retrieves a diagnosis by ID.
func (s *Store) GetDiagnosis(ctx context.Context, id uuid.UUID) (model.SelfDiagnosis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, report, hypothesis, action, status, confidence,
		 rejected_reason, pipe_trace, created_at, updated_at
		 FROM diagnoses WHERE id = ?`, id.String(),
	)
	d, err := scanDiagnosis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SelfDiagnosis{}, fmt.Errorf("sqlite: diagnosis %s: %w", id, storage.ErrNotFound)
		}
		return model.SelfDiagnosis{}, err
	}
	return d, nil
}

// ListDiagnoses returns diagnoses newest first, optionally filtered by
// status and creation time.
func (s *Store) ListDiagnoses(ctx context.Context, f storage.DiagnosisFilter) ([]model.SelfDiagnosis, error) {
	var conditions []string
	var args []any
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(f.Since))
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
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report, hypothesis, action, status, confidence,
		 rejected_reason, pipe_trace, created_at, updated_at
		 FROM diagnoses`+where+` ORDER BY created_at DESC LIMIT ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list diagnoses: %w", err)
	}
	defer rows.Close()

	var out []model.SelfDiagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDiagnosis(row rowScanner) (model.SelfDiagnosis, error) {
	var d model.SelfDiagnosis
	var id, report, action, trace, status, createdAt, updatedAt string
	if err := row.Scan(
		&id, &report, &d.Hypothesis, &action, &status, &d.Confidence,
		&d.RejectedReason, &trace, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SelfDiagnosis{}, err
		}
		return model.SelfDiagnosis{}, fmt.Errorf("sqlite: scan diagnosis: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.SelfDiagnosis{}, fmt.Errorf("sqlite: diagnosis id %q: %w", id, err)
	}
	d.ID = parsed
	d.Status = model.DiagnosisStatus(status)
	if err := unmarshalJSON(report, &d.Report); err != nil {
		return model.SelfDiagnosis{}, err
	}
	if err := unmarshalJSON(action, &d.Action); err != nil {
		return model.SelfDiagnosis{}, err
	}
	if err := unmarshalJSON(trace, &d.PipeTrace); err != nil {
		return model.SelfDiagnosis{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.SelfDiagnosis{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.SelfDiagnosis{}, err
	}
	return d, nil
}

// InsertActionRecord persists the audit row written at apply time.
func (s *Store) InsertActionRecord(ctx context.Context, rec model.ActionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}

	action, err := marshalJSON(rec.Action)
	if err != nil {
		return err
	}
	before, err := marshalJSON(rec.Before)
	if err != nil {
		return err
	}
	var after any
	if rec.After != nil {
		if after, err = marshalJSON(rec.After); err != nil {
			return err
		}
	}
	var reward any
	if rec.Reward != nil {
		reward = *rec.Reward
	}
	var resolved any
	if rec.ResolvedAt != nil {
		resolved = formatTime(*rec.ResolvedAt)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_records (id, diagnosis_id, action, outcome, before_snapshot,
		 after_snapshot, reward, detail, content_hash, executed_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.DiagnosisID.String(), action, string(rec.Outcome), before,
		after, reward, rec.Detail, rec.ContentHash, formatTime(rec.ExecutedAt), resolved,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert action record: %w", err)
	}
	return nil
}

// ResolveActionRecord writes the post-stabilization fields.
func (s *Store) ResolveActionRecord(ctx context.Context, rec model.ActionRecord) error {
	var after any
	if rec.After != nil {
		raw, err := marshalJSON(rec.After)
		if err != nil {
			return err
		}
		after = raw
	}
	var reward any
	if rec.Reward != nil {
		reward = *rec.Reward
	}
	var resolved any
	if rec.ResolvedAt != nil {
		resolved = formatTime(*rec.ResolvedAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE action_records
		 SET outcome = ?, after_snapshot = ?, reward = ?, detail = ?, content_hash = ?, resolved_at = ?
		 WHERE id = ?`,
		string(rec.Outcome), after, reward, rec.Detail, rec.ContentHash, resolved, rec.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: resolve action record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: action record %s: %w", rec.ID, storage.ErrNotFound)
	}
	return nil
}

// ListActionRecords returns action records newest first.
func (s *Store) ListActionRecords(ctx context.Context, f storage.ActionFilter) ([]model.ActionRecord, error) {
	var conditions []string
	var args []any
	if f.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "executed_at >= ?")
		args = append(args, formatTime(f.Since))
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
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, diagnosis_id, action, outcome, before_snapshot,
		 after_snapshot, reward, detail, content_hash, executed_at, resolved_at
		 FROM action_records`+where+` ORDER BY executed_at DESC LIMIT ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list action records: %w", err)
	}
	defer rows.Close()

	var out []model.ActionRecord
	for rows.Next() {
		rec, err := scanActionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountActionsSince counts action records executed at or after since.
func (s *Store) CountActionsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_records WHERE executed_at >= ?`, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count recent actions: %w", err)
	}
	return n, nil
}

func scanActionRecord(row rowScanner) (model.ActionRecord, error) {
	var rec model.ActionRecord
	var id, diagID, action, outcome, before, executedAt string
	var after, resolved sql.NullString
	var reward sql.NullFloat64
	if err := row.Scan(
		&id, &diagID, &action, &outcome, &before,
		&after, &reward, &rec.Detail, &rec.ContentHash, &executedAt, &resolved,
	); err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlite: scan action record: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlite: action record id %q: %w", id, err)
	}
	rec.ID = parsed
	if rec.DiagnosisID, err = uuid.Parse(diagID); err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlite: diagnosis id %q: %w", diagID, err)
	}
	rec.Outcome = model.ActionOutcome(outcome)
	if err := unmarshalJSON(action, &rec.Action); err != nil {
		return model.ActionRecord{}, err
	}
	if err := unmarshalJSON(before, &rec.Before); err != nil {
		return model.ActionRecord{}, err
	}
	if after.Valid && after.String != "" {
		rec.After = &model.MetricsSnapshot{}
		if err := unmarshalJSON(after.String, rec.After); err != nil {
			return model.ActionRecord{}, err
		}
	}
	if reward.Valid {
		rec.Reward = &reward.Float64
	}
	if rec.ExecutedAt, err = parseTime(executedAt); err != nil {
		return model.ActionRecord{}, err
	}
	if rec.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return model.ActionRecord{}, err
	}
	return rec, nil
}

// UpsertEffectiveness overwrites the per-(kind, target) aggregate.
func (s *Store) UpsertEffectiveness(ctx context.Context, e model.ActionEffectiveness) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_effectiveness (kind, target, attempts, successes, mean_reward, score, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, target) DO UPDATE SET
		   attempts = excluded.attempts,
		   successes = excluded.successes,
		   mean_reward = excluded.mean_reward,
		   score = excluded.score,
		   updated_at = excluded.updated_at`,
		string(e.Kind), e.Target, e.Attempts, e.Successes, e.MeanReward, e.Score, formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert effectiveness: %w", err)
	}
	return nil
}

// GetEffectiveness retrieves one aggregate by kind and target.
func (s *Store) GetEffectiveness(ctx context.Context, kind model.ActionKind, target string) (model.ActionEffectiveness, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, target, attempts, successes, mean_reward, score, updated_at
		 FROM action_effectiveness WHERE kind = ? AND target = ?`,
		string(kind), target,
	)
	e, err := scanEffectiveness(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ActionEffectiveness{}, fmt.Errorf("sqlite: effectiveness %s/%s: %w", kind, target, storage.ErrNotFound)
		}
		return model.ActionEffectiveness{}, err
	}
	return e, nil
}

// ListEffectiveness returns aggregates ranked by score descending.
func (s *Store) ListEffectiveness(ctx context.Context, limit int) ([]model.ActionEffectiveness, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, target, attempts, successes, mean_reward, score, updated_at
		 FROM action_effectiveness ORDER BY score DESC, updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list effectiveness: %w", err)
	}
	defer rows.Close()

	var out []model.ActionEffectiveness
	for rows.Next() {
		e, err := scanEffectiveness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEffectiveness(row rowScanner) (model.ActionEffectiveness, error) {
	var (
		e             model.ActionEffectiveness
		kind, updated string
	)
	if err := row.Scan(&kind, &e.Target, &e.Attempts, &e.Successes, &e.MeanReward, &e.Score, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ActionEffectiveness{}, err
		}
		return model.ActionEffectiveness{}, fmt.Errorf("sqlite: scan effectiveness: %w", err)
	}
	e.Kind = model.ActionKind(kind)
	var err error
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return model.ActionEffectiveness{}, err
	}
	return e, nil
}
