package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dapforge/authcore/internal/app"
	"github.com/dapforge/authcore/internal/audit"
	"github.com/dapforge/authcore/internal/authz"
	authzhttp "github.com/dapforge/authcore/internal/authz/http"
	"github.com/dapforge/authcore/internal/observability"
	platformcache "github.com/dapforge/authcore/internal/platform/cache"
	platformdb "github.com/dapforge/authcore/internal/platform/db"
	"github.com/dapforge/authcore/jobs"
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

	pool, err := platformdb.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The cache is optional: with Redis down every check falls back to
	// direct computation.
	var decisionCache *authz.DecisionCache
	redisClient, err := platformcache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, serving without decision cache", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		decisionCache = authz.NewDecisionCache(redisClient,
			authz.WithCheckTTL(cfg.CheckTTL),
			authz.WithMetadataTTL(cfg.MetadataTTL))
	}

	store := authz.NewRepository(pool)
	if err := authz.Bootstrap(ctx, store); err != nil {
		logger.Error("bootstrap default roles", slog.Any("error", err))
		os.Exit(1)
	}

	var recorder audit.Recorder = audit.NewLogRecorder(logger)
	var jobsHandler *jobs.Handler
	if redisClient != nil {
		jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			logger.Warn("init jobs client", slog.Any("error", err))
		} else {
			defer func() {
				if err := jobsClient.Close(); err != nil {
					logger.Warn("jobs client close", slog.Any("error", err))
				}
			}()
			recorder = jobs.NewAuditEnqueuer(jobsClient)

			inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			defer func() {
				if err := inspector.Close(); err != nil {
					logger.Warn("inspector close", slog.Any("error", err))
				}
			}()
			jobsHandler = jobs.NewHandler(inspector, jobsClient, logger)
		}
	}

	metrics := observability.NewMetrics()

	combine := authz.CombineAll
	if cfg.RuleCombineMode == "ANY" {
		combine = authz.CombineAny
	}
	evaluator := authz.NewEvaluator(store, logger, authz.WithCombineMode(combine))

	engine := authz.NewEngine(store, decisionCache, logger,
		authz.WithEvaluator(evaluator),
		authz.WithAuditor(recorder),
		authz.WithMetrics(metrics),
		authz.WithBatchLimit(cfg.BatchLimit))
	admin := authz.NewService(store, decisionCache, logger,
		authz.WithServiceAuditor(recorder))
	hierarchy := authz.NewHierarchy(store, logger)

	handler := authzhttp.NewHandler(engine, admin, hierarchy, logger)

	router := app.NewRouter(app.RouterParams{
		Config:       cfg,
		AuthzHandler: handler,
		JobsHandler:  jobsHandler,
		Pool:         pool,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
