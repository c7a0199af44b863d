package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// InsertInvocations inserts a flushed recorder batch using the COPY protocol.
func (s *Store) InsertInvocations(ctx context.Context, batch []model.Invocation) error {
	if len(batch) == 0 {
		return nil
	}

	columns := []string{"id", "tool", "mode", "pipe", "latency_ms", "success", "fallback", "quality", "error_kind", "created_at"}

	rows := make([][]any, len(batch))
	for i, inv := range batch {
		if inv.ID == uuid.Nil {
			inv.ID = uuid.New()
		}
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = time.Now().UTC()
		}
		rows[i] = []any{
			inv.ID,
			inv.Tool,
			inv.Mode,
			inv.Pipe,
			inv.LatencyMS,
			inv.Success,
			inv.Fallback,
			inv.Quality,
			inv.ErrorKind,
			inv.CreatedAt,
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot stall the recorder's
	// flush goroutine indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	if _, err := s.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"invocations"},
		columns,
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("postgres: copy invocations: %w", err)
	}
	return nil
}

// AggregateInvocations computes one health snapshot over a window.
// Rates come back zero when the window is empty; callers gate on SampleCount.
func (s *Store) AggregateInvocations(ctx context.Context, w storage.InvocationWindow) (model.MetricsSnapshot, error) {
	var (
		total     int
		failed    int
		fallbacks int
		p95       float64
		quality   *float64
		qualityN  int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE NOT success),
		   COUNT(*) FILTER (WHERE fallback),
		   COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms), 0),
		   AVG(quality) FILTER (WHERE quality IS NOT NULL),
		   COUNT(*) FILTER (WHERE quality IS NOT NULL)
		 FROM invocations
		 WHERE created_at >= $1 AND created_at < $2`,
		w.From, w.To,
	).Scan(&total, &failed, &fallbacks, &p95, &quality, &qualityN)
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("postgres: aggregate invocations: %w", err)
	}

	snap := model.MetricsSnapshot{
		LatencyP95MS:   p95,
		WindowStart:    w.From,
		WindowEnd:      w.To,
		SampleCount:    total,
		QualitySamples: qualityN,
	}
	if total > 0 {
		snap.ErrorRate = float64(failed) / float64(total)
		snap.FallbackRate = float64(fallbacks) / float64(total)
	}
	if quality != nil {
		snap.QualityScore = *quality
	}
	return snap, nil
}

// PruneInvocations deletes rows older than before and reports how many went.
func (s *Store) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM invocations WHERE created_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune invocations: %w", err)
	}
	return tag.RowsAffected(), nil
}
