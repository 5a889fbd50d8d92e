package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/stagehop/service/metrics"
	solanago "github.com/gagliardetto/solana-go"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// MaxConcurrentActivities bounds activities run at once. Zero means 4.
	MaxConcurrentActivities int

	// BatchPacing must match the batch scheduler and submitter handed in
	// as Batches. Zero fields fall back to DefaultBatchPacing.
	BatchPacing BatchPacing

	// Dependencies
	Batches   BatchRunner
	Sweeper   SweepRunner
	Funder    solanago.PrivateKey
	Store     StoreInterface
	Publisher PublisherInterface
	Metrics   *metrics.Metrics // Optional: if nil, no metrics will be recorded
	Logger    *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
// The worker will process workflows and activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	if config.MaxConcurrentActivities <= 0 {
		config.MaxConcurrentActivities = 4
	}
	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     config.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	workflows := &Workflows{Pacing: config.BatchPacing.withDefaults()}
	w.RegisterWorkflowWithOptions(workflows.BatchTransferWorkflow, workflow.RegisterOptions{Name: BatchWorkflowName})
	w.RegisterWorkflow(SweepWorkflow)
	logger.Info("registered workflows",
		"names", []string{BatchWorkflowName, "SweepWorkflow"},
		"batch_concurrency", workflows.Pacing.Concurrency,
		"batch_cooldown", workflows.Pacing.Cooldown,
		"confirm_timeout", workflows.Pacing.ConfirmTimeout,
	)

	activities := NewActivities(
		config.Batches,
		config.Sweeper,
		config.Funder,
		config.Store,
		config.Publisher,
		config.Metrics,
		logger,
	)

	// Activities are registered by name, matching the ExecuteActivity calls in the workflows
	w.RegisterActivity(activities.ExecuteBatch)
	w.RegisterActivity(activities.RecordBatch)
	w.RegisterActivity(activities.SweepStaging)
	w.RegisterActivity(activities.RecordSweep)

	logger.Info("registered activities",
		"activities", []string{"ExecuteBatch", "RecordBatch", "SweepStaging", "RecordSweep"},
	)

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
	}, nil
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an error occurs.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}
