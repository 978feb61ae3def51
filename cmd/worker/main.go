package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dapforge/authcore/internal/app"
	"github.com/dapforge/authcore/internal/audit"
	"github.com/dapforge/authcore/internal/authz"
	jobmetrics "github.com/dapforge/authcore/internal/jobs"
	platformcache "github.com/dapforge/authcore/internal/platform/cache"
	platformdb "github.com/dapforge/authcore/internal/platform/db"
	"github.com/dapforge/authcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := platformcache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store := authz.NewRepository(pool)
	decisionCache := authz.NewDecisionCache(redisClient,
		authz.WithCheckTTL(cfg.CheckTTL),
		authz.WithMetadataTTL(cfg.MetadataTTL))
	engine := authz.NewEngine(store, decisionCache, logger,
		authz.WithBatchLimit(cfg.BatchLimit))

	metrics := jobmetrics.NewMetrics(nil)
	auditJob := jobs.NewAuditRecordJob(audit.NewPGRecorder(pool), logger, metrics)
	warmupJob := jobs.NewDecisionWarmupJob(engine, store, logger, metrics)

	warmupTask, err := jobs.NewDecisionWarmupTask(jobs.DecisionWarmupPayload{
		Operations: []jobs.WarmupOperation{
			{Resource: "query", Action: "read"},
			{Resource: "report", Action: "read"},
		},
	})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeAuditRecord, Handler: auditJob.Handle},
			{Type: jobs.TaskTypeDecisionWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
