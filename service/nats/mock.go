package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
// Events are validated like the real publisher so tests catch malformed subjects.
type MockPublisher struct {
	mu           sync.RWMutex
	transactions []*TransactionStatusEvent
	balances     []*BalanceEvent
	relays       []*RelayStatusEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishTransactionStatus records the event and returns any configured error.
func (m *MockPublisher) PublishTransactionStatus(ctx context.Context, event *TransactionStatusEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.transactions = append(m.transactions, event)
	return nil
}

// PublishBalance records the event and returns any configured error.
func (m *MockPublisher) PublishBalance(ctx context.Context, event *BalanceEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.balances = append(m.balances, event)
	return nil
}

// PublishRelayStatus records the event and returns any configured error.
func (m *MockPublisher) PublishRelayStatus(ctx context.Context, event *RelayStatusEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.relays = append(m.relays, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetTransactionEvents returns a copy of the published transaction events.
func (m *MockPublisher) GetTransactionEvents() []*TransactionStatusEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]*TransactionStatusEvent, len(m.transactions))
	copy(events, m.transactions)
	return events
}

// GetBalanceEvents returns a copy of the published balance events.
func (m *MockPublisher) GetBalanceEvents() []*BalanceEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]*BalanceEvent, len(m.balances))
	copy(events, m.balances)
	return events
}

// GetRelayEvents returns a copy of the published relay events.
func (m *MockPublisher) GetRelayEvents() []*RelayStatusEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]*RelayStatusEvent, len(m.relays))
	copy(events, m.relays)
	return events
}

// GetPublishedEventCount returns the number of published events of every kind.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions) + len(m.balances) + len(m.relays)
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = nil
	m.balances = nil
	m.relays = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
