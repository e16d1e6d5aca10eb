package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ankader/backoffice/internal/admin"
	"github.com/ankader/backoffice/internal/app"
	"github.com/ankader/backoffice/internal/audit"
	audithttp "github.com/ankader/backoffice/internal/audit/http"
	"github.com/ankader/backoffice/internal/auth"
	"github.com/ankader/backoffice/internal/identity"
	"github.com/ankader/backoffice/internal/observability"
	"github.com/ankader/backoffice/internal/pipeline"
	"github.com/ankader/backoffice/internal/platform/cache"
	"github.com/ankader/backoffice/internal/platform/db"
	"github.com/ankader/backoffice/internal/platform/otel"
	"github.com/ankader/backoffice/internal/ratelimit"
	"github.com/ankader/backoffice/internal/rbac"
	"github.com/ankader/backoffice/internal/token"
	"github.com/ankader/backoffice/internal/users"
	"github.com/ankader/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("backoffice stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	shutdownTracing, err := otel.Setup(ctx, "backoffice", otel.Options{Endpoint: cfg.OTelEndpoint, Enabled: cfg.OTelEnabled})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	sqlDB := db.OpenSQL(pool)
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("sql db close", slog.Any("error", err))
		}
	}()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	var redisClient *redis.Client
	if cfg.RateLimitBackend == app.RateLimitRedis {
		if redisClient, err = cache.New(ctx, redisOpts); err != nil {
			return err
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	codec, err := token.New(token.Format(cfg.TokenFormat), cfg.TokenSecret, token.WithMaxAge(cfg.TokenMaxAge))
	if err != nil {
		return err
	}
	if cfg.IsProduction() && token.Format(cfg.TokenFormat) != token.FormatSigned {
		logger.Warn("plain session tokens are forgeable; set TOKEN_FORMAT=signed")
	}

	userRepo := users.NewRepository(pool)
	auditStore := audit.NewSQLStore(sqlDB)
	auditor := audit.NewInterceptor(auditStore, logger, audit.WithFailureObserver(metrics))
	evaluator := rbac.NewEvaluator(cfg.APIKeys)
	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty; system-info is guarded by the admin role only")
	}

	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case app.RateLimitRedis:
		limiter = ratelimit.NewRedisLimiter(redisClient, "backoffice:ratelimit")
	default:
		memory := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
			IdleTTL:    cfg.RateLimitIdleTTL,
			SweepEvery: cfg.RateLimitSweepEvery,
			Logger:     logger,
		})
		memory.Start(ctx)
		defer memory.Stop()
		limiter = memory
	}

	composer := pipeline.NewComposer(pipeline.Config{
		Limiter:   limiter,
		Resolver:  identity.NewResolver(codec, userRepo, logger),
		Evaluator: evaluator,
		Auditor:   auditor,
		Logger:    logger,
		Observer:  metrics,
	})

	authService := auth.NewService(userRepo, codec, auditor, auditStore)
	inspector := asynq.NewInspector(redisOpts.AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	checks := map[string]app.HealthCheck{
		"postgres": pool.Ping,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Composer:     composer,
		AuthHandler:  auth.NewHandler(logger, authService, composer, evaluator),
		AuditHandler: audithttp.NewHandler(logger, auditStore, composer),
		AdminHandler: admin.NewHandler(logger, userRepo, auditStore, composer, cfg.AppEnv).WithAPIKey(len(cfg.APIKeys) > 0),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
		Checks:       checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr),
			slog.String("token_format", cfg.TokenFormat), slog.String("rate_limit_backend", cfg.RateLimitBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
