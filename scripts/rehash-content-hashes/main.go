// Command rehash-content-hashes is a one-time migration script that upgrades
// content_hash for all action records in the database to the v2 format.
// VerifyActionHash keeps legacy v1 rows verifiable at read time, but mixed
// formats make audits harder to reason about; this rewrites every row to the
// current length-prefixed encoding.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/rehash-content-hashes
//
// The script connects to the database, reads every record's identity, typed
// action payload, and execution time, recomputes the hash with the current
// algorithm, and updates any rows where the stored hash differs. It prints
// the number of rows fixed and exits.
//
// Safe to run multiple times — it's idempotent. Once all hashes match, it
// reports 0 updates and exits immediately.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/integrity"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx,
		`SELECT id, diagnosis_id, action, executed_at, content_hash
		 FROM action_records
		 ORDER BY executed_at ASC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type staleRow struct {
		id         uuid.UUID
		expected   string
		storedHash string
	}

	var stale []staleRow
	var total, malformed int
	for rows.Next() {
		var (
			id          uuid.UUID
			diagnosisID uuid.UUID
			actionJSON  []byte
			executedAt  time.Time
			storedHash  string
		)
		if err := rows.Scan(&id, &diagnosisID, &actionJSON, &executedAt, &storedHash); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		total++

		var action model.SuggestedAction
		if err := json.Unmarshal(actionJSON, &action); err != nil {
			log.Printf("record %s: malformed action payload, skipping: %v", id, err)
			malformed++
			continue
		}
		if err := action.CheckShape(); err != nil {
			log.Printf("record %s: %v, skipping", id, err)
			malformed++
			continue
		}

		expected := integrity.ComputeActionHash(id, diagnosisID, action, executedAt)
		if storedHash != expected {
			// Unprefixed legacy hashes that still verify get upgraded too;
			// rows that verify under neither format are rewritten and should
			// be investigated via the history view's hash_verified flag first.
			if storedHash != "" && !integrity.VerifyActionHash(storedHash, id, diagnosisID, action, executedAt) {
				log.Printf("record %s: stored hash verifies under no known format", id)
			}
			stale = append(stale, staleRow{id: id, expected: expected, storedHash: storedHash})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	fmt.Printf("scanned %d action records, %d have non-v2 hashes, %d malformed\n", total, len(stale), malformed)

	if len(stale) == 0 {
		fmt.Println("nothing to do")
		return nil
	}

	updated := 0
	for _, r := range stale {
		tag, err := pool.Exec(ctx,
			`UPDATE action_records SET content_hash = $1 WHERE id = $2 AND content_hash = $3`,
			r.expected, r.id, r.storedHash)
		if err != nil {
			log.Printf("update %s: %v", r.id, err)
			continue
		}
		if tag.RowsAffected() > 0 {
			updated++
		}
	}

	fmt.Printf("updated %d/%d hashes\n", updated, len(stale))
	return nil
}
