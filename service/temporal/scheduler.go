package temporal

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWorkflowNotFound is returned by DescribeWorkflow for unknown workflow IDs.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowExists is returned by StartBatch when the batch ID was already used.
	ErrWorkflowExists = errors.New("workflow already exists")
)

// Scheduler starts and inspects workflows and manages the periodic sweep.
type Scheduler interface {
	// UpsertSweepSchedule creates or updates the schedule that triggers
	// SweepWorkflow every interval over the trailing lookback window.
	UpsertSweepSchedule(ctx context.Context, interval, lookback time.Duration) error

	// DeleteSweepSchedule stops periodic sweeps.
	DeleteSweepSchedule(ctx context.Context) error

	StartBatch(ctx context.Context, input BatchInput) (*WorkflowRun, error)
	StartSweep(ctx context.Context, input SweepInput) (*WorkflowRun, error)
	DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowStatus, error)
}

// WorkflowRun identifies a started workflow.
type WorkflowRun struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// WorkflowStatus is the state of a workflow execution. Result is set once
// the workflow has completed.
type WorkflowStatus struct {
	WorkflowID string      `json:"workflow_id"`
	RunID      string      `json:"run_id"`
	Type       string      `json:"type"`
	Status     string      `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	CloseTime  *time.Time  `json:"close_time,omitempty"`
	Result     interface{} `json:"result,omitempty"`
}

// SweepScheduleID is the ID of the periodic sweep schedule.
const SweepScheduleID = "stagehop-sweep"

func batchWorkflowID(batchID string) string {
	return "batch-" + batchID
}
