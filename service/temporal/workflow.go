package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/stagehop/service/batch"
	"github.com/brojonat/stagehop/service/solana"
	"github.com/brojonat/stagehop/service/sweeper"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// recordOptions is used by the bookkeeping activities, which are idempotent.
var recordOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 60 * time.Second,
	RetryPolicy: &temporalsdk.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	},
}

// BatchWorkflowName is the name BatchTransferWorkflow is registered and
// started under.
const BatchWorkflowName = "BatchTransferWorkflow"

// BatchPacing mirrors the worker's batch scheduler and submitter settings.
// The workflow needs them to bound how long ExecuteBatch may run.
type BatchPacing struct {
	Concurrency    int
	Cooldown       time.Duration
	ConfirmTimeout time.Duration
}

// DefaultBatchPacing matches batch.DefaultOptions and
// solana.DefaultSubmitOptions.
func DefaultBatchPacing() BatchPacing {
	return BatchPacing{
		Concurrency:    batch.DefaultConcurrency,
		Cooldown:       batch.DefaultCooldown,
		ConfirmTimeout: solana.DefaultSubmitOptions().ConfirmTimeout,
	}
}

func (p BatchPacing) withDefaults() BatchPacing {
	def := DefaultBatchPacing()
	if p.Concurrency <= 0 {
		p.Concurrency = def.Concurrency
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = def.ConfirmTimeout
	}
	return p
}

// waveSendAllowance covers blockhash fetch, sending and RPC retries ahead of
// confirmation.
const waveSendAllowance = time.Minute

// batchTimeout bounds ExecuteBatch: every wave may wait out a full
// confirmation, plus the cooldown between waves.
func batchTimeout(transfers int, pacing BatchPacing) time.Duration {
	pacing = pacing.withDefaults()
	waves := (transfers + pacing.Concurrency - 1) / pacing.Concurrency
	perWave := waveSendAllowance + pacing.ConfirmTimeout + pacing.Cooldown
	return time.Duration(waves)*perWave + time.Minute
}

// Workflows holds the worker-side settings its workflows depend on.
type Workflows struct {
	Pacing BatchPacing
}

// BatchTransferWorkflow runs a batch of staged transfers and records every
// round. It is registered as BatchWorkflowName.
//
// The workflow performs these steps:
// 1. Execute the batch (ExecuteBatch activity, single attempt)
// 2. Record rounds and publish events (RecordBatch activity)
func (w *Workflows) BatchTransferWorkflow(ctx workflow.Context, input BatchInput) (*BatchWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("BatchTransferWorkflow started", "batch_id", input.BatchID, "transfers", len(input.Transfers))

	result := &BatchWorkflowResult{BatchID: input.BatchID}
	if len(input.Transfers) == 0 {
		result.Status = batch.StatusAllSucceeded
		return result, nil
	}

	execCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: batchTimeout(len(input.Transfers), w.Pacing),
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var batchResult *batch.Result
	err := workflow.ExecuteActivity(execCtx, a.ExecuteBatch, input).Get(ctx, &batchResult)
	if err != nil {
		logger.Error("failed to execute batch", "batch_id", input.BatchID, "error", err)
		errMsg := fmt.Sprintf("failed to execute batch: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to execute batch: %w", err)
	}

	result.Status = batchResult.Status
	result.SuccessCount = batchResult.SuccessCount
	result.FailureCount = batchResult.FailureCount
	result.Signatures = batchResult.Signatures
	result.Errors = batchResult.Errors

	recordCtx := workflow.WithActivityOptions(ctx, recordOptions)
	var recorded *RecordBatchResult
	err = workflow.ExecuteActivity(recordCtx, a.RecordBatch, RecordBatchInput{
		BatchID: input.BatchID,
		Result:  batchResult,
	}).Get(ctx, &recorded)
	if err != nil {
		// The transfers happened; losing the bookkeeping must not hide that.
		logger.Error("failed to record batch", "batch_id", input.BatchID, "error", err)
		errMsg := fmt.Sprintf("failed to record batch: %v", err)
		result.Error = &errMsg
		return result, nil
	}
	result.Recorded = recorded.Recorded

	logger.Info("BatchTransferWorkflow completed",
		"batch_id", input.BatchID,
		"status", result.Status,
		"succeeded", result.SuccessCount,
		"failed", result.FailureCount,
	)
	return result, nil
}

// SweepWindow resolves the history window a sweep covers at time now.
func SweepWindow(input SweepInput, now time.Time) sweeper.Window {
	window := sweeper.Window{From: input.From, To: input.To}
	if window.To.IsZero() {
		window.To = now
	}
	if window.From.IsZero() && input.Lookback > 0 {
		window.From = window.To.Add(-input.Lookback)
	}
	return window
}

// SweepWorkflow reclaims rent from staging accounts left by transfers in a
// window of history. It is normally triggered by a Temporal schedule.
func SweepWorkflow(ctx workflow.Context, input SweepInput) (*SweepWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)

	window := SweepWindow(input, workflow.Now(ctx).UTC())
	result := &SweepWorkflowResult{Window: window}
	logger.Info("SweepWorkflow started", "from", window.From, "to", window.To)

	sweepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})

	var swept *SweepStagingResult
	if err := workflow.ExecuteActivity(sweepCtx, a.SweepStaging, window).Get(ctx, &swept); err != nil {
		logger.Error("failed to sweep staging accounts", "error", err)
		errMsg := fmt.Sprintf("failed to sweep: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to sweep: %w", err)
	}

	if r := swept.Report; r != nil {
		if r.Plan != nil {
			result.Candidates = len(r.Plan.Candidates)
		}
		result.AlreadyClosed = r.AlreadyClosed
		result.Closed = r.Closed
		result.Failed = r.Failed
	}
	if swept.Error != "" {
		errMsg := swept.Error
		result.Error = &errMsg
	}

	recordCtx := workflow.WithActivityOptions(ctx, recordOptions)
	var recorded *RecordSweepResult
	err := workflow.ExecuteActivity(recordCtx, a.RecordSweep, RecordSweepInput{
		Window:    window,
		StartedAt: swept.StartedAt,
		Report:    swept.Report,
		Error:     swept.Error,
	}).Get(ctx, &recorded)
	if err != nil {
		logger.Error("failed to record sweep", "error", err)
		return result, fmt.Errorf("failed to record sweep: %w", err)
	}
	result.Recorded = recorded.Closures

	logger.Info("SweepWorkflow completed",
		"candidates", result.Candidates,
		"closed", result.Closed,
		"failed", result.Failed,
	)
	return result, nil
}
