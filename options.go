package reasoning

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds config overrides and extension points after applying
// defaults. Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	runner          Runner
	fallbackRunner  Runner
	embedder        EmbeddingProvider
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (REASONING_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var). Only consulted when the storage driver is "postgres".
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the database file path from config
// (REASONING_SQLITE_PATH env var). Only consulted when the storage driver is
// "sqlite".
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health, the MCP
// initialize handshake, and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithRunner replaces the configured pipe backend (Langbase/Ollama/noop).
// The override serves both the reasoning tool and the improvement loop's
// diagnosis pipes. Only the last call wins.
func WithRunner(r Runner) Option {
	return func(o *resolvedOptions) { o.runner = r }
}

// WithFallbackRunner sets the backend the reasoning tool retries against
// when the primary runner fails. Replaces the auto-detected Ollama fallback;
// the improvement loop never falls back.
func WithFallbackRunner(r Runner) Option {
	return func(o *resolvedOptions) { o.fallbackRunner = r }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop) used for precedent memory.
// The provided implementation must satisfy the EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order. Postgres driver only — New()
// fails when the sqlite driver is configured alongside extra migrations.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
