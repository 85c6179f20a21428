package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-fincore/internal/jobs"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditRecord persists one audit log entry.
	TaskAuditRecord = "audit:record"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewAuditTask wraps an audit log in an asynq task.
func NewAuditTask(log shared.AuditLog) (*asynq.Task, error) {
	if err := log.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// AuditWriter persists audit logs, typically *shared.AuditLogger.
type AuditWriter interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuditJob consumes TaskAuditRecord tasks.
type AuditJob struct {
	writer  AuditWriter
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAuditJob constructs the audit consumer.
func NewAuditJob(writer AuditWriter, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditJob{writer: writer, logger: logger, metrics: metrics}
}

// Handle decodes and writes the audit entry. Malformed payloads are dropped.
func (j *AuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	var log shared.AuditLog
	if err := json.Unmarshal(t.Payload(), &log); err != nil {
		j.metrics.Skip(TaskAuditRecord)
		j.logger.Warn("audit task payload invalid", slog.Any("error", err))
		return fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskAuditRecord)
	if err := j.writer.Record(ctx, log); err != nil {
		j.logger.Warn("audit task failed", slog.String("action", log.Action), slog.String("entity_id", log.EntityID), slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

// IdempotencyCleaner removes keys older than a retention window.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// NewIdempotencyCleanupTask builds the periodic cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// IdempotencyCleanupJob consumes TaskIdempotencyCleanup tasks.
type IdempotencyCleanupJob struct {
	store     IdempotencyCleaner
	retention time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob constructs the cleanup consumer.
func NewIdempotencyCleanupJob(store IdempotencyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyCleanupJob{store: store, retention: retention, logger: logger, metrics: metrics}
}

// Handle prunes expired keys.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	tracker := j.metrics.Track(TaskIdempotencyCleanup)
	err := j.store.Cleanup(ctx, j.retention)
	if err != nil {
		j.logger.Warn("idempotency cleanup failed", slog.Any("error", err))
	}
	return tracker.End(err)
}
