// Package app wires every component into the two runtime modes:
// api (HTTP surface) and worker (scheduler loops).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/preflightwatch/internal/apperr"
	"github.com/wisbric/preflightwatch/internal/audit"
	"github.com/wisbric/preflightwatch/internal/authn"
	"github.com/wisbric/preflightwatch/internal/config"
	"github.com/wisbric/preflightwatch/internal/db"
	"github.com/wisbric/preflightwatch/internal/httpserver"
	"github.com/wisbric/preflightwatch/internal/ids"
	"github.com/wisbric/preflightwatch/internal/platform"
	"github.com/wisbric/preflightwatch/internal/telemetry"
	"github.com/wisbric/preflightwatch/pkg/alertengine"
	"github.com/wisbric/preflightwatch/pkg/analytics"
	"github.com/wisbric/preflightwatch/pkg/artifact"
	"github.com/wisbric/preflightwatch/pkg/dispatcher"
	"github.com/wisbric/preflightwatch/pkg/outbox"
	"github.com/wisbric/preflightwatch/pkg/policy"
	"github.com/wisbric/preflightwatch/pkg/registry"
	"github.com/wisbric/preflightwatch/pkg/scheduler"
)

// Run loads infrastructure connections and starts the process mode named
// by cfg.Mode ("api" or "worker"). It blocks until ctx is cancelled or a
// component returns a fatal error.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting preflightwatch", "mode", cfg.Mode)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			logger.Error("closing redis client", "error", cerr)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	clock := ids.SystemClock{}
	policies := policy.NewFileSource(cfg.AlertPolicyPath, cfg.NotificationChannelsPath)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, clock, policies)
	case "worker":
		return runWorker(ctx, cfg, logger, pool, clock, policies)
	default:
		return fmt.Errorf("unknown mode %q (want api or worker)", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, clock ids.Clock, policies *policy.FileSource) error {
	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	reg := registry.New(pool)
	gw, err := artifact.New(cfg.ArtifactRoot, cfg.MaxFileSizeMB)
	if err != nil {
		return fmt.Errorf("creating artifact gateway: %w", err)
	}
	ob := outbox.New(pool, clock)
	engine := alertengine.New(pool, reg, gw, ob, auditWriter, clock, logger)

	queries := db.New(pool)
	renderer := analytics.NewRenderer(pool)
	store := analytics.NewStore(queries)
	analyticsHandler := analytics.NewHandler(renderer, store, ob, queries, logger)

	authMiddleware := authn.Middleware(cfg.APIToken, cfg.AdminToken)
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := renderer.Render(r.Context())
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})

	srv := httpserver.NewServer(
		httpserver.Config{CORSAllowedOrigins: cfg.CORSAllowedOrigins},
		logger, pool, rdb, authMiddleware, metricsHandler, cfg.DiagnosticsMetricsAuthDisabled,
	)

	registry.NewHandler(reg, logger).Mount(srv.APIRouter)
	artifact.NewHandler(gw, reg, logger).Mount(srv.APIRouter)
	alertsRouter := srv.APIRouter
	if !cfg.AlertsAllowEvaluate {
		alertsRouter = srv.APIRouter.With(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost && r.URL.Path == "/api/v1/diagnostics/alerts/evaluate" {
					httpserver.RespondTaxonomy(w, logger, httpserver.RequestIDFromContext(r.Context()), apperr.Access("manual alert evaluation is disabled"))
					return
				}
				next.ServeHTTP(w, r)
			})
		})
		logger.Info("manual alert evaluation is disabled; the evaluate endpoint rejects every request with 403")
	}
	alertengine.NewHandler(engine, policies, logger).Mount(alertsRouter)
	analyticsHandler.Mount(srv.APIRouter)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, clock ids.Clock, policies *policy.FileSource) error {
	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	reg := registry.New(pool)
	gw, err := artifact.New(cfg.ArtifactRoot, cfg.MaxFileSizeMB)
	if err != nil {
		return fmt.Errorf("creating artifact gateway: %w", err)
	}
	ob := outbox.New(pool, clock)
	engine := alertengine.New(pool, reg, gw, ob, auditWriter, clock, logger)
	disp := dispatcher.New(pool, ob, clock, logger)

	alertLoop := scheduler.NewAlertLoop(pool, engine, policies, clock, logger,
		cfg.AlertsSchedulerLeaseName, cfg.AlertsSchedulerLeaseEnabled, cfg.AlertsInterval())
	notificationLoop := scheduler.NewNotificationLoop(pool, disp, policies, clock, logger,
		cfg.NotificationsLeaseName, cfg.NotificationsSchedulerLeaseEnabled, cfg.NotificationsInterval(), cfg.NotificationsDispatchBatchSize,
		time.Duration(cfg.OrphanedAttemptDefaultTimeoutSeconds)*time.Second)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AlertsSchedulerEnabled && cfg.AlertsSchedulerAutoStart {
		g.Go(func() error { return alertLoop.Run(gctx) })
	} else {
		logger.Info("alert scheduler loop disabled")
	}

	if cfg.NotificationsSchedulerEnabled {
		g.Go(func() error { return notificationLoop.Run(gctx) })
	} else {
		logger.Info("notification scheduler loop disabled")
	}

	logger.Info("worker started")
	err = g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
