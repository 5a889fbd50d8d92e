package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

func (c *Client) sweepAction(lookback time.Duration) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        SweepScheduleID + "-run",
		Workflow:  SweepWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{SweepInput{Lookback: lookback}},
	}
}

// UpsertSweepSchedule creates or updates the periodic sweep schedule.
func (c *Client) UpsertSweepSchedule(ctx context.Context, interval, lookback time.Duration) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", SweepScheduleID,
			"error", err,
		)

		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID: SweepScheduleID,
			Spec: client.ScheduleSpec{
				Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
			},
			Action: c.sweepAction(lookback),
			// A sweep still running when the next one is due is not doubled up.
			Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			Memo: map[string]interface{}{
				"lookback":   lookback.String(),
				"created_by": "stagehop",
			},
		})
		if err != nil {
			c.logger.Error("failed to create schedule", "schedule_id", SweepScheduleID, "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", SweepScheduleID, err)
		}

		c.logger.Info("sweep schedule created",
			"schedule_id", SweepScheduleID,
			"interval", interval,
			"lookback", lookback,
		)
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			input.Description.Schedule.Action = c.sweepAction(lookback)
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule updated",
		"schedule_id", SweepScheduleID,
		"interval", interval,
		"lookback", lookback,
	)
	return nil
}

// DeleteSweepSchedule deletes the periodic sweep schedule.
func (c *Client) DeleteSweepSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, SweepScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", SweepScheduleID, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", SweepScheduleID, err)
	}

	c.logger.Info("sweep schedule deleted", "schedule_id", SweepScheduleID)
	return nil
}

// StartBatch starts a BatchTransferWorkflow. The workflow ID is derived from
// the batch ID, so the same batch cannot run twice at once.
func (c *Client) StartBatch(ctx context.Context, input BatchInput) (*WorkflowRun, error) {
	if input.BatchID == "" {
		return nil, errors.New("batch id is required")
	}

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       batchWorkflowID(input.BatchID),
		TaskQueue:                                c.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, BatchWorkflowName, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: batch %s", ErrWorkflowExists, input.BatchID)
		}
		return nil, fmt.Errorf("failed to start batch workflow: %w", err)
	}

	c.logger.Info("batch workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"transfers", len(input.Transfers),
	)
	return &WorkflowRun{WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
}

// StartSweep starts an ad hoc SweepWorkflow.
func (c *Client) StartSweep(ctx context.Context, input SweepInput) (*WorkflowRun, error) {
	id := fmt.Sprintf("sweep-%d", time.Now().UnixMilli())

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, SweepWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start sweep workflow: %w", err)
	}

	c.logger.Info("sweep workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return &WorkflowRun{WorkflowID: run.GetID(), RunID: run.GetRunID()}, nil
}

// DescribeWorkflow returns the status of the latest run of a workflow, with
// its result when it has completed.
func (c *Client) DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	resp, err := c.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to describe workflow %q: %w", workflowID, err)
	}

	info := resp.GetWorkflowExecutionInfo()
	status := &WorkflowStatus{
		WorkflowID: info.GetExecution().GetWorkflowId(),
		RunID:      info.GetExecution().GetRunId(),
		Type:       info.GetType().GetName(),
		Status:     workflowStatusName(info.GetStatus()),
	}
	if ts := info.GetStartTime(); ts != nil {
		status.StartTime = ts.AsTime()
	}
	if ts := info.GetCloseTime(); ts != nil {
		closed := ts.AsTime()
		status.CloseTime = &closed
	}

	if info.GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED {
		var result json.RawMessage
		if err := c.client.GetWorkflow(ctx, workflowID, status.RunID).Get(ctx, &result); err != nil {
			c.logger.Warn("failed to load workflow result", "workflow_id", workflowID, "error", err)
		} else {
			status.Result = result
		}
	}
	return status, nil
}

func workflowStatusName(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return "running"
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "completed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "failed"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "canceled"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "terminated"
	case enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "continued_as_new"
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "timed_out"
	default:
		return "unknown"
	}
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
