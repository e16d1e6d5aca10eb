package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditPurge deletes activity logs past their retention.
	TaskAuditPurge = "audit:purge"
)

// AuditPurgePayload configures one purge run. A zero RetentionDays uses the
// job's configured retention.
type AuditPurgePayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// NewAuditPurgeTask constructs an Asynq task.
func NewAuditPurgeTask(payload AuditPurgePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPurge, data, asynq.Queue(QueueDefault)), nil
}
