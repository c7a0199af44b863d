package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// InsertIncident persists an incident and, when it carries an embedding,
// enqueues it for vector indexing in the same transaction. The outbox row
// guarantees the index catches up even if the process dies before the upsert
// reaches Qdrant. Incidents without embeddings (noop embedding provider, no
// index configured) skip the outbox so nothing accumulates undrained.
func (s *Store) InsertIncident(ctx context.Context, inc model.Incident) error {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin incident tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO incidents (id, diagnosis_id, severity, metric, summary, action_taken, outcome, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inc.ID, inc.DiagnosisID, string(inc.Severity), string(inc.Metric), inc.Summary,
		inc.ActionTaken, string(inc.Outcome), inc.Embedding, inc.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert incident: %w", err)
	}

	if inc.Embedding != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO incident_outbox (incident_id) VALUES ($1)`, inc.ID,
		); err != nil {
			return fmt.Errorf("postgres: enqueue incident: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit incident: %w", err)
	}
	return nil
}

// ResolveIncident fills in the action and outcome once the executor settles a
// diagnosis, and re-enqueues embedded incidents so the index payload is
// refreshed.
func (s *Store) ResolveIncident(ctx context.Context, diagnosisID uuid.UUID, actionTaken string, outcome model.ActionOutcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin incident resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var incidentID uuid.UUID
	var embedded bool
	err = tx.QueryRow(ctx,
		`UPDATE incidents SET action_taken = $2, outcome = $3 WHERE diagnosis_id = $1
		 RETURNING id, embedding IS NOT NULL`,
		diagnosisID, actionTaken, string(outcome),
	).Scan(&incidentID, &embedded)
	if err != nil {
		// Not every diagnosis has an incident; resolution is best-effort.
		if err == pgx.ErrNoRows {
			return nil
		}
		return fmt.Errorf("postgres: resolve incident: %w", err)
	}

	if embedded {
		if _, err := tx.Exec(ctx,
			`INSERT INTO incident_outbox (incident_id) VALUES ($1)`, incidentID,
		); err != nil {
			return fmt.Errorf("postgres: re-enqueue incident: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit incident resolve: %w", err)
	}
	return nil
}

// GetIncidentsByIDs hydrates incidents for a set of IDs, typically the hits
// of a vector search. Missing IDs are silently absent from the result.
func (s *Store) GetIncidentsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Incident, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, diagnosis_id, severity, metric, summary, action_taken, outcome, embedding, created_at
		 FROM incidents WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		if err := rows.Scan(
			&inc.ID, &inc.DiagnosisID, &inc.Severity, &inc.Metric, &inc.Summary,
			&inc.ActionTaken, &inc.Outcome, &inc.Embedding, &inc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
