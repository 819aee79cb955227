// Package loupe is the public API for embedding the Loupe console server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := loupe.New(
//	    loupe.WithVersion(version),
//	    loupe.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: loupe (root) imports
// internal/*, but internal/* never imports loupe (root).
package loupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/loupe-ai/loupe/internal/audit"
	"github.com/loupe-ai/loupe/internal/auth"
	"github.com/loupe-ai/loupe/internal/authz"
	"github.com/loupe-ai/loupe/internal/config"
	"github.com/loupe-ai/loupe/internal/console"
	"github.com/loupe-ai/loupe/internal/conversation"
	"github.com/loupe-ai/loupe/internal/mcp"
	"github.com/loupe-ai/loupe/internal/ratelimit"
	"github.com/loupe-ai/loupe/internal/server"
	"github.com/loupe-ai/loupe/internal/storage"
	"github.com/loupe-ai/loupe/internal/telemetry"
	"github.com/loupe-ai/loupe/migrations"
	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

// App is the Loupe server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buf          *audit.Buffer
	broker       *server.Broker // nil when no notify connection
	roleCache    *authz.RoleCache
	redisClient  *redis.Client // nil when Redis is not configured
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Loupe server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.retrievalURL != "" {
		cfg.RetrievalURL = o.retrievalURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("loupe starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, false)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Streaming query client. A custom QueryClient option replaces the
	// real backend (used by tests and embedded deployments).
	queryClient := o.queryClient
	if queryClient == nil {
		sdkClient, err := sdk.NewClient(sdk.Config{
			BaseURL:  cfg.RetrievalURL,
			ClientID: cfg.RetrievalClientID,
			APIKey:   cfg.RetrievalAPIKey,
		})
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("retrieval client: %w", err)
		}
		queryClient = sdkClient
	}

	engine := console.New(conversation.NewStore(), queryClient, console.Defaults{
		SourceIDs:      cfg.DefaultSourceIDs,
		RetrievalMode:  sdk.RetrievalMode(cfg.DefaultRetrievalMode),
		TopK:           cfg.DefaultTopK,
		TimeoutSeconds: cfg.DefaultTimeoutSeconds,
	}, logger)

	buf := audit.NewBuffer(db, logger, cfg.AuditBufferSize, cfg.AuditFlushTimeout)
	roleCache := authz.NewRoleCache(30 * time.Second)

	// SSE broker.
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiters: Redis when configured, in-process token buckets
	// otherwise.
	var redisClient *redis.Client
	var authLimiter, queryLimiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		authLimiter = ratelimit.NewRedisLimiter(redisClient, "auth", perMinute(cfg.AuthRateLimit), time.Minute)
		queryLimiter = ratelimit.NewRedisLimiter(redisClient, "query", perMinute(cfg.QueryRateLimit), time.Minute)
		logger.Info("rate limiting: redis (sliding window)",
			"auth_per_minute", perMinute(cfg.AuthRateLimit),
			"query_per_minute", perMinute(cfg.QueryRateLimit))
	} else {
		authLimiter = ratelimit.NewMemoryLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst)
		queryLimiter = ratelimit.NewMemoryLimiter(cfg.QueryRateLimit, cfg.QueryRateBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"auth_rps", cfg.AuthRateLimit, "query_rps", cfg.QueryRateLimit)
	}

	mcpSrv := mcp.New(db, engine, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              engine,
		RoleCache:           roleCache,
		Logger:              logger,
		AuditBuf:            buf,
		Broker:              broker,
		AuthLimiter:         authLimiter,
		QueryLimiter:        queryLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminEmail, cfg.AdminAPIKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buf:          buf,
		broker:       broker,
		roleCache:    roleCache,
		redisClient:  redisClient,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// already been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.buf.Start(ctx)
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown performs a two-phase graceful shutdown: stop accepting HTTP
// requests and drain in-flight, then flush the audit buffer to Postgres.
// It then closes the database pool and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("loupe shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	bufCtx, bufCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.buf.Drain(bufCtx); err != nil {
		a.logger.Error("audit buffer drain incomplete, unflushed entries will be lost",
			"error", err,
			"remaining_entries", a.buf.Len(),
		)
		bufCancel()
		return fmt.Errorf("audit buffer drain failed: %w", err)
	}
	bufCancel()

	a.roleCache.Close()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("loupe stopped")
	return nil
}

// perMinute converts a sustained per-second rate to a per-minute window
// limit, rounding up so fractional rates still admit at least one request.
func perMinute(rps float64) int {
	n := int(rps * 60)
	if n < 1 {
		n = 1
	}
	return n
}
