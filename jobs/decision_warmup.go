package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/dapforge/authcore/internal/authz"
	jobmetrics "github.com/dapforge/authcore/internal/jobs"
)

// DecisionWarmupJob pre-computes decisions for role holders so the
// first interactive check after an invalidation hits a warm cache.
type DecisionWarmupJob struct {
	Engine  *authz.Engine
	Store   authz.Store
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDecisionWarmupJob wires dependencies for the warmup handler.
func NewDecisionWarmupJob(engine *authz.Engine, store authz.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *DecisionWarmupJob {
	return &DecisionWarmupJob{
		Engine:  engine,
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskTypeDecisionWarmup tasks.
func (j *DecisionWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil || j.Store == nil {
		return errors.New("decision warmup: handler not configured")
	}
	var payload DecisionWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if len(payload.Operations) == 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskTypeDecisionWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("operations", len(payload.Operations)))
	logger.Info("starting decision warmup")

	users, err := j.collectUsers(ctx, payload.Roles)
	if err != nil {
		resultErr = err
		logger.Error("collect warmup users", slog.Any("error", err))
		return resultErr
	}
	if len(users) == 0 {
		logger.Info("no users discovered for warmup")
		return resultErr
	}

	ops := make([]authz.Operation, 0, len(payload.Operations))
	for _, op := range payload.Operations {
		if op.Resource == "" || op.Action == "" {
			continue
		}
		ops = append(ops, authz.Operation{Resource: op.Resource, Action: op.Action})
	}

	now := j.now()
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, userID := range users {
		group.Go(func() error {
			// Each user gets a bounded slice of the run so one
			// slow principal cannot stall the whole warmup.
			userCtx, cancel := context.WithTimeout(groupCtx, 20*time.Second)
			defer cancel()
			j.Engine.PreCheck(userCtx, userID, ops)
			return userCtx.Err()
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		resultErr = err
		logger.Error("warm decisions", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed decision warmup",
		slog.Int("users", len(users)),
		slog.Duration("duration", time.Since(now)))
	return resultErr
}

// collectUsers resolves the distinct direct holders of the requested
// roles, or of every role when none are named.
func (j *DecisionWarmupJob) collectUsers(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		roles, err := j.Store.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			roleIDs = append(roleIDs, role.ID)
		}
	}
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, roleID := range roleIDs {
		holders, err := j.Store.ListRoleHolders(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, userID := range holders {
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (j *DecisionWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeDecisionWarmup))
	}
	return slog.Default().With(slog.String("job", TaskTypeDecisionWarmup))
}

func (j *DecisionWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DecisionWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
