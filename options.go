package loupe

import (
	"context"
	"log/slog"

	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// QueryClient streams answers for console questions. The SDK client
// satisfies it; embedders may supply their own transport.
type QueryClient interface {
	Query(ctx context.Context, req sdk.QueryRequest, h sdk.Handlers) (sdk.CancelFunc, error)
	Cancel()
}

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	notifyURL    string
	retrievalURL string
	logger       *slog.Logger
	version      string
	queryClient  QueryClient
}

// WithPort overrides the TCP port from config (LOUPE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries, since
// LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithRetrievalURL overrides the retrieval backend base URL from config
// (LOUPE_RETRIEVAL_URL env var).
func WithRetrievalURL(url string) Option {
	return func(o *resolvedOptions) { o.retrievalURL = url }
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

// WithQueryClient replaces the streaming retrieval client. The console
// engine issues all queries through the given client instead of connecting
// to LOUPE_RETRIEVAL_URL. Intended for tests and embedded deployments.
func WithQueryClient(c QueryClient) Option {
	return func(o *resolvedOptions) { o.queryClient = c }
}
