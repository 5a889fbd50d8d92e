package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu             sync.RWMutex
	transferEvents []*TransferEvent
	sweepEvents    []*SweepEvent
	publishError   error
	closed         bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishTransfer records the event and returns any configured error.
func (m *MockPublisher) PublishTransfer(ctx context.Context, event *TransferEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transferEvents = append(m.transferEvents, event)
	return nil
}

// PublishTransferBatch records the events and returns any configured error.
func (m *MockPublisher) PublishTransferBatch(ctx context.Context, events []*TransferEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transferEvents = append(m.transferEvents, events...)
	return nil
}

// PublishSweep records the event and returns any configured error.
func (m *MockPublisher) PublishSweep(ctx context.Context, event *SweepEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.sweepEvents = append(m.sweepEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// TransferEvents returns a copy of all published transfer events.
func (m *MockPublisher) TransferEvents() []*TransferEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*TransferEvent, len(m.transferEvents))
	copy(events, m.transferEvents)
	return events
}

// TransferEventsForPayer returns transfer events published for one payer.
func (m *MockPublisher) TransferEventsForPayer(payer string) []*TransferEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*TransferEvent
	for _, event := range m.transferEvents {
		if event.Payer == payer {
			events = append(events, event)
		}
	}
	return events
}

// SweepEvents returns a copy of all published sweep events.
func (m *MockPublisher) SweepEvents() []*SweepEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SweepEvent, len(m.sweepEvents))
	copy(events, m.sweepEvents)
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
