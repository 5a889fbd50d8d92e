package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedule  *mockSchedule
	batches   []BatchInput
	sweeps    []SweepInput
	statuses  map[string]*WorkflowStatus
	createErr error
	deleteErr error
	startErr  error
}

type mockSchedule struct {
	interval time.Duration
	lookback time.Duration
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		statuses: make(map[string]*WorkflowStatus),
	}
}

// UpsertSweepSchedule creates or updates the sweep schedule.
func (m *MockScheduler) UpsertSweepSchedule(ctx context.Context, interval, lookback time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule = &mockSchedule{interval: interval, lookback: lookback}
	return nil
}

// DeleteSweepSchedule removes the sweep schedule.
func (m *MockScheduler) DeleteSweepSchedule(ctx context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schedule == nil {
		return fmt.Errorf("schedule %q not found", SweepScheduleID)
	}
	m.schedule = nil
	return nil
}

// StartBatch records the batch and reports it as running.
func (m *MockScheduler) StartBatch(ctx context.Context, input BatchInput) (*WorkflowRun, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := batchWorkflowID(input.BatchID)
	if _, exists := m.statuses[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, id)
	}
	m.batches = append(m.batches, input)
	run := &WorkflowRun{WorkflowID: id, RunID: fmt.Sprintf("run-%d", len(m.batches))}
	m.statuses[id] = &WorkflowStatus{
		WorkflowID: id,
		RunID:      run.RunID,
		Type:       "BatchTransferWorkflow",
		Status:     "running",
	}
	return run, nil
}

// StartSweep records the sweep and reports it as running.
func (m *MockScheduler) StartSweep(ctx context.Context, input SweepInput) (*WorkflowRun, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweeps = append(m.sweeps, input)
	id := fmt.Sprintf("sweep-%d", len(m.sweeps))
	run := &WorkflowRun{WorkflowID: id, RunID: "run-" + id}
	m.statuses[id] = &WorkflowStatus{
		WorkflowID: id,
		RunID:      run.RunID,
		Type:       "SweepWorkflow",
		Status:     "running",
	}
	return run, nil
}

// DescribeWorkflow returns a recorded status.
func (m *MockScheduler) DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return status, nil
}

// SetStatus overrides the status reported for a workflow.
func (m *MockScheduler) SetStatus(status *WorkflowStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.WorkflowID] = status
}

// SetCreateError makes UpsertSweepSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteSweepSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// SetStartError makes StartBatch and StartSweep return an error.
func (m *MockScheduler) SetStartError(err error) {
	m.startErr = err
}

// SweepSchedule returns the current schedule, if any.
func (m *MockScheduler) SweepSchedule() (interval, lookback time.Duration, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schedule == nil {
		return 0, 0, false
	}
	return m.schedule.interval, m.schedule.lookback, true
}

// Batches returns the started batches.
func (m *MockScheduler) Batches() []BatchInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BatchInput(nil), m.batches...)
}

// Sweeps returns the started sweeps.
func (m *MockScheduler) Sweeps() []SweepInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SweepInput(nil), m.sweeps...)
}

// Reset clears all state and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule = nil
	m.batches = nil
	m.sweeps = nil
	m.statuses = make(map[string]*WorkflowStatus)
	m.createErr = nil
	m.deleteErr = nil
	m.startErr = nil
}
