package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAssignmentSweep is the task type for purging dead assignments.
	TaskTypeAssignmentSweep = "assignments:sweep"
)

// AssignmentSweepPayload parameterizes one sweep run.
type AssignmentSweepPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAssignmentSweepTask constructs an Asynq task.
func NewAssignmentSweepTask(payload AssignmentSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAssignmentSweep, data), nil
}
