package uderia

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	dbPath            string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (UDERIA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDBPath overrides the SQLite auth store path from config
// (UDERIA_DB_PATH env var).
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Gemini/Ollama/noop). The provided implementation must satisfy the
// EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems may be registered;
// they are applied in registration order. The FS must contain sequentially
// numbered SQL files.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
