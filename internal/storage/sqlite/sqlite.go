// Package sqlite implements storage.Store on an embedded SQLite database via
// modernc.org/sqlite. It is the zero-dependency deployment path: single file,
// WAL mode, no extensions. Incident embeddings are not stored; precedent
// retrieval requires the postgres driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds so that string
// comparison over stored UTC timestamps orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS diagnoses (
	id              TEXT PRIMARY KEY,
	report          TEXT NOT NULL,
	hypothesis      TEXT NOT NULL,
	action          TEXT NOT NULL,
	status          TEXT NOT NULL,
	confidence      REAL NOT NULL DEFAULT 0,
	rejected_reason TEXT NOT NULL DEFAULT '',
	pipe_trace      TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnoses_created ON diagnoses(created_at);
CREATE INDEX IF NOT EXISTS idx_diagnoses_status ON diagnoses(status);

CREATE TABLE IF NOT EXISTS action_records (
	id              TEXT PRIMARY KEY,
	diagnosis_id    TEXT NOT NULL,
	action          TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	before_snapshot TEXT NOT NULL,
	after_snapshot  TEXT,
	reward          REAL,
	detail          TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL DEFAULT '',
	executed_at     TEXT NOT NULL,
	resolved_at     TEXT,
	FOREIGN KEY (diagnosis_id) REFERENCES diagnoses(id)
);
CREATE INDEX IF NOT EXISTS idx_action_records_executed ON action_records(executed_at);

CREATE TABLE IF NOT EXISTS action_effectiveness (
	kind        TEXT NOT NULL,
	target      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	successes   INTEGER NOT NULL DEFAULT 0,
	mean_reward REAL NOT NULL DEFAULT 0,
	score       REAL NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (kind, target)
);

CREATE TABLE IF NOT EXISTS reflections (
	id           TEXT PRIMARY KEY,
	window_start TEXT NOT NULL,
	window_end   TEXT NOT NULL,
	actions_seen INTEGER NOT NULL DEFAULT 0,
	summary      TEXT NOT NULL,
	suggestions  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metric_baselines (
	metric     TEXT PRIMARY KEY,
	inverted   INTEGER NOT NULL DEFAULT 0,
	ema        REAL NOT NULL DEFAULT 0,
	mean       REAL NOT NULL DEFAULT 0,
	samples    INTEGER NOT NULL DEFAULT 0,
	warning    REAL NOT NULL DEFAULT 0,
	critical   REAL NOT NULL DEFAULT 0,
	valid      INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_state (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	state               TEXT NOT NULL,
	consecutive_fails   INTEGER NOT NULL DEFAULT 0,
	half_open_successes INTEGER NOT NULL DEFAULT 0,
	opened_at           TEXT,
	opens               INTEGER NOT NULL DEFAULT 0,
	total_failures      INTEGER NOT NULL DEFAULT 0,
	total_successes     INTEGER NOT NULL DEFAULT 0,
	last_success        TEXT,
	last_failure        TEXT,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS invocations (
	id         TEXT PRIMARY KEY,
	tool       TEXT NOT NULL,
	mode       TEXT NOT NULL DEFAULT '',
	pipe       TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	success    INTEGER NOT NULL DEFAULT 1,
	fallback   INTEGER NOT NULL DEFAULT 0,
	quality    REAL,
	error_kind TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_created ON invocations(created_at);

CREATE TABLE IF NOT EXISTS incidents (
	id           TEXT PRIMARY KEY,
	diagnosis_id TEXT NOT NULL,
	severity     TEXT NOT NULL,
	metric       TEXT NOT NULL,
	summary      TEXT NOT NULL,
	action_taken TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_diagnosis ON incidents(diagnosis_id);
`

// Store is a SQLite-backed storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database file and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// modernc's driver serializes per connection; a single connection avoids
	// SQLITE_BUSY between the loop, the recorder flush, and the HTTP surface.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	logger.Info("sqlite: opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func marshalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal json: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("sqlite: unmarshal json: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
