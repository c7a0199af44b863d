package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// InsertReflection persists a periodic review.
func (s *Store) InsertReflection(ctx context.Context, r model.Reflection) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reflections (id, window_start, window_end, actions_seen, summary, suggestions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.WindowStart, r.WindowEnd, r.ActionsSeen, r.Summary, r.Suggestions, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert reflection: %w", err)
	}
	return nil
}

// ListReflections returns reflections newest first.
func (s *Store) ListReflections(ctx context.Context, limit int) ([]model.Reflection, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, window_start, window_end, actions_seen, summary, suggestions, created_at
		 FROM reflections ORDER BY created_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reflections: %w", err)
	}
	defer rows.Close()

	var out []model.Reflection
	for rows.Next() {
		var r model.Reflection
		if err := rows.Scan(&r.ID, &r.WindowStart, &r.WindowEnd, &r.ActionsSeen, &r.Summary, &r.Suggestions, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reflection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
