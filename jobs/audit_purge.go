package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ankader/backoffice/internal/audit"
	jobmetrics "github.com/ankader/backoffice/internal/jobs"
)

// minPurgeRetention keeps purges from removing recent history.
const minPurgeRetention = 30 * 24 * time.Hour

// Purger deletes activity logs created before cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditPurgeJob enforces activity log retention.
type AuditPurgeJob struct {
	Store     Purger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewAuditPurgeJob initialises the purge handler. A non-positive retention
// falls back to audit.DefaultRetention.
func NewAuditPurgeJob(store Purger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditPurgeJob {
	if retention <= 0 {
		retention = audit.DefaultRetention
	}
	return &AuditPurgeJob{
		Store:     store,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one purge.
func (j *AuditPurgeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("audit purge: handler not configured")
	}
	var payload AuditPurgePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("audit purge: decode payload: %w", asynq.SkipRetry)
		}
	}
	retention := j.Retention
	if payload.RetentionDays > 0 {
		retention = time.Duration(payload.RetentionDays) * 24 * time.Hour
	}
	if retention < minPurgeRetention {
		return fmt.Errorf("audit purge: retention %s below minimum: %w", retention, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskAuditPurge)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.clock()
	cutoff := start.Add(-retention)
	logger := j.logger().With(slog.Time("cutoff", cutoff))
	logger.Info("starting audit purge")

	deleted, err := j.Store.Purge(ctx, cutoff)
	if err != nil {
		logger.Error("audit purge failed", slog.Any("error", err))
		return fmt.Errorf("audit purge: %w", err)
	}
	j.Metrics.AddPurged(deleted)
	logger.Info("completed audit purge",
		slog.Int64("deleted", deleted),
		slog.Duration("duration", j.clock().Sub(start)),
	)
	return nil
}

func (j *AuditPurgeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
