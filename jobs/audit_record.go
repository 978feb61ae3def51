package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dapforge/authcore/internal/audit"
	jobmetrics "github.com/dapforge/authcore/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AuditRecordJob drains audit:record tasks into a durable sink.
type AuditRecordJob struct {
	Sink    audit.Recorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAuditRecordJob wires dependencies for the audit handler.
func NewAuditRecordJob(sink audit.Recorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRecordJob {
	return &AuditRecordJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeAuditRecord tasks.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sink == nil {
		return errors.New("audit record: handler not configured")
	}
	var payload AuditRecordPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Event.Action == "" || payload.Event.Target == "" {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskTypeAuditRecord)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Sink.Record(ctx, payload.Event); err != nil {
		resultErr = err
		j.logger().Error("persist audit event",
			slog.String("event_id", payload.Event.ID),
			slog.Any("error", err))
		return resultErr
	}
	return resultErr
}

func (j *AuditRecordJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeAuditRecord))
	}
	return slog.Default().With(slog.String("job", TaskTypeAuditRecord))
}

func (j *AuditRecordJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
