package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/dapforge/authcore/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuditRecord persists a single audit event asynchronously.
	TaskTypeAuditRecord = "audit:record"
	// TaskTypeDecisionWarmup pre-populates the decision cache for hot operations.
	TaskTypeDecisionWarmup = "authz:warmup"
)

// AuditRecordPayload carries one audit event through the queue.
type AuditRecordPayload struct {
	Event audit.Event `json:"event"`
}

// NewAuditRecordTask constructs an Asynq task for an audit event.
func NewAuditRecordTask(event audit.Event) (*asynq.Task, error) {
	data, err := json.Marshal(AuditRecordPayload{Event: event})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuditRecord, data, asynq.MaxRetry(5)), nil
}

// WarmupOperation names one resource/action pair to pre-compute.
type WarmupOperation struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// DecisionWarmupPayload scopes a warmup run. When Roles is empty every
// known role's holders are warmed.
type DecisionWarmupPayload struct {
	Roles      []string          `json:"roles,omitempty"`
	Operations []WarmupOperation `json:"operations"`
}

// NewDecisionWarmupTask constructs an Asynq task for a warmup run.
func NewDecisionWarmupTask(payload DecisionWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDecisionWarmup, data), nil
}

// AuditEnqueuer is an audit.Recorder that defers persistence to the
// worker. Events survive API restarts because they sit in Redis until
// the audit:record handler writes them out.
type AuditEnqueuer struct {
	client *Client
}

// NewAuditEnqueuer wraps a jobs client as an audit sink.
func NewAuditEnqueuer(client *Client) *AuditEnqueuer {
	return &AuditEnqueuer{client: client}
}

// Record implements audit.Recorder.
func (e *AuditEnqueuer) Record(ctx context.Context, event audit.Event) error {
	if e == nil || e.client == nil {
		return nil
	}
	_, err := e.client.EnqueueAuditRecord(ctx, event)
	return err
}
