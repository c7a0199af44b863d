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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO diagnoses (id, report, hypothesis, action, status, confidence,
		 rejected_reason, pipe_trace, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Report, d.Hypothesis, d.Action, string(d.Status), d.Confidence,
		d.RejectedReason, d.PipeTrace, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert diagnosis: %w", err)
	}
	return nil
}

// UpdateDiagnosisStatus advances a diagnosis and records the reason for
// rejected or blocked terminal states. Transition legality is the caller's
// responsibility; the loop is the only writer.
func (s *Store) UpdateDiagnosisStatus(ctx context.Context, id uuid.UUID, status model.DiagnosisStatus, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE diagnoses SET status = $2, rejected_reason = $3, updated_at = $4 WHERE id = $1`,
		id, string(status), reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: update diagnosis status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: diagnosis %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// GetDiagnosis retrieves a diagnosis by ID.
func (s *Store) GetDiagnosis(ctx context.Context, id uuid.UUID) (model.SelfDiagnosis, error) {
	var d model.SelfDiagnosis
	err := s.pool.QueryRow(ctx,
		`SELECT id, report, hypothesis, action, status, confidence,
		 rejected_reason, pipe_trace, created_at, updated_at
		 FROM diagnoses WHERE id = $1`, id,
	).Scan(
		&d.ID, &d.Report, &d.Hypothesis, &d.Action, &d.Status, &d.Confidence,
		&d.RejectedReason, &d.PipeTrace, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SelfDiagnosis{}, fmt.Errorf("postgres: diagnosis %s: %w", id, storage.ErrNotFound)
		}
		return model.SelfDiagnosis{}, fmt.Errorf("postgres: get diagnosis: %w", err)
	}
	return d, nil
}

// ListDiagnoses returns diagnoses newest first, optionally filtered by
// status and creation time.
func (s *Store) ListDiagnoses(ctx context.Context, f storage.DiagnosisFilter) ([]model.SelfDiagnosis, error) {
	var conditions []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
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
		`SELECT id, report, hypothesis, action, status, confidence,
		 rejected_reason, pipe_trace, created_at, updated_at
		 FROM diagnoses%s ORDER BY created_at DESC LIMIT %d`, where, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list diagnoses: %w", err)
	}
	defer rows.Close()

	var out []model.SelfDiagnosis
	for rows.Next() {
		var d model.SelfDiagnosis
		if err := rows.Scan(
			&d.ID, &d.Report, &d.Hypothesis, &d.Action, &d.Status, &d.Confidence,
			&d.RejectedReason, &d.PipeTrace, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan diagnosis: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
