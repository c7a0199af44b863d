package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxClaim is one leased incident_outbox row.
type OutboxClaim struct {
	OutboxID   int64
	IncidentID uuid.UUID
	Attempts   int
}

// ClaimIncidentOutbox leases up to limit due outbox rows. Claimed rows get
// their attempt count bumped and next_attempt_at pushed out by lease, so a
// crashed worker's claims become due again without coordination. Rows past
// maxAttempts are never claimed and stay behind for inspection.
func (s *Store) ClaimIncidentOutbox(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]OutboxClaim, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`WITH due AS (
		   SELECT id FROM incident_outbox
		   WHERE next_attempt_at <= now() AND attempts < $2
		   ORDER BY id
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE incident_outbox o
		 SET attempts = o.attempts + 1, next_attempt_at = $3
		 FROM due
		 WHERE o.id = due.id
		 RETURNING o.id, o.incident_id, o.attempts`,
		limit, maxAttempts, time.Now().UTC().Add(lease),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim incident outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxClaim
	for rows.Next() {
		var c OutboxClaim
		if err := rows.Scan(&c.OutboxID, &c.IncidentID, &c.Attempts); err != nil {
			return nil, fmt.Errorf("postgres: scan outbox claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkIncidentIndexed removes a delivered outbox row.
func (s *Store) MarkIncidentIndexed(ctx context.Context, outboxID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM incident_outbox WHERE id = $1`, outboxID,
	); err != nil {
		return fmt.Errorf("postgres: mark incident indexed: %w", err)
	}
	return nil
}

// MarkIncidentIndexFailed records the failure and backs the row off
// exponentially by attempt count, capped at about two hours.
func (s *Store) MarkIncidentIndexFailed(ctx context.Context, outboxID int64, indexErr error) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE incident_outbox
		 SET last_error = $2,
		     next_attempt_at = now() + interval '30 seconds' * power(2, LEAST(attempts, 8))
		 WHERE id = $1`,
		outboxID, indexErr.Error(),
	); err != nil {
		return fmt.Errorf("postgres: mark incident index failed: %w", err)
	}
	return nil
}

// PruneDeadOutbox deletes exhausted outbox rows older than before. They have
// already been logged as dead letters; keeping them forever just bloats the
// table.
func (s *Store) PruneDeadOutbox(ctx context.Context, maxAttempts int, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM incident_outbox WHERE attempts >= $1 AND created_at < $2`,
		maxAttempts, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune dead outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxDepth reports how many rows are waiting, for the readiness surface.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM incident_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: outbox depth: %w", err)
	}
	return n, nil
}
