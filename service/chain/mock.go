package chain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const mockBufferSize = 64

// MockSDK is an in-memory implementation of the collaborator interfaces for testing.
// Tests push updates into open subscriptions and inspect the recorded cancellations.
// Subscriptions stay pushable after cancellation so tests can simulate late deliveries.
type MockSDK struct {
	mu sync.RWMutex

	txSubs      map[string]chan TransactionUpdate
	balanceSubs map[string]chan BalanceUpdate
	relaySubs   map[string]chan RelayUpdate

	txCancels      map[string]int
	balanceCancels map[string]int
	relayCancels   map[string]int

	balances        map[string]string
	getBalanceCalls []bool
	refreshResult   *BalanceUpdate
	refreshCalls    []time.Duration

	nextBalanceKey   int
	lastPollInterval time.Duration
	lastRelayMaxWait time.Duration

	watchError      error
	balanceError    error
	relayError      error
	getBalanceError error
	refreshError    error
}

// NewMockSDK creates an empty mock collaborator.
func NewMockSDK() *MockSDK {
	return &MockSDK{
		txSubs:         make(map[string]chan TransactionUpdate),
		balanceSubs:    make(map[string]chan BalanceUpdate),
		relaySubs:      make(map[string]chan RelayUpdate),
		txCancels:      make(map[string]int),
		balanceCancels: make(map[string]int),
		relayCancels:   make(map[string]int),
		balances:       make(map[string]string),
	}
}

func txKey(txHash string, chainID int64) string {
	return fmt.Sprintf("%d:%s", chainID, txHash)
}

func balanceKey(address string, chainID int64, token string) string {
	return fmt.Sprintf("%d:%s:%s", chainID, address, token)
}

// WatchTransaction opens a mock subscription for txHash.
func (m *MockSDK) WatchTransaction(ctx context.Context, txHash string, c *Chain) (<-chan TransactionUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watchError != nil {
		return nil, m.watchError
	}
	ch := make(chan TransactionUpdate, mockBufferSize)
	m.txSubs[txKey(txHash, c.ID)] = ch
	return ch, nil
}

// CancelWatch records a cancellation for txHash.
func (m *MockSDK) CancelWatch(txHash string, chainID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCancels[txKey(txHash, chainID)]++
}

// WatchBalance opens a mock balance subscription.
func (m *MockSDK) WatchBalance(ctx context.Context, address string, c *Chain, token string, pollInterval time.Duration) (string, <-chan BalanceUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balanceError != nil {
		return "", nil, m.balanceError
	}
	m.nextBalanceKey++
	key := fmt.Sprintf("balance-%d", m.nextBalanceKey)
	ch := make(chan BalanceUpdate, mockBufferSize)
	m.balanceSubs[key] = ch
	m.lastPollInterval = pollInterval
	return key, ch, nil
}

// CancelBalanceWatch records a cancellation for key.
func (m *MockSDK) CancelBalanceWatch(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceCancels[key]++
}

// GetBalance returns the balance configured with SetBalance.
func (m *MockSDK) GetBalance(ctx context.Context, address string, c *Chain, token string, useCache bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getBalanceCalls = append(m.getBalanceCalls, useCache)
	if m.getBalanceError != nil {
		return "", m.getBalanceError
	}
	bal, ok := m.balances[balanceKey(address, c.ID, token)]
	if !ok {
		return "0", nil
	}
	return bal, nil
}

// RefreshBalanceAfterTransaction returns the configured refresh result, falling back to
// the configured balance.
func (m *MockSDK) RefreshBalanceAfterTransaction(ctx context.Context, txHash, address string, c *Chain, token string, maxWait time.Duration) (BalanceUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshCalls = append(m.refreshCalls, maxWait)
	if m.refreshError != nil {
		return BalanceUpdate{}, m.refreshError
	}
	if m.refreshResult != nil {
		return *m.refreshResult, nil
	}
	return BalanceUpdate{Balance: m.balances[balanceKey(address, c.ID, token)], Timestamp: time.Now()}, nil
}

// TrackRelay opens a mock relay subscription.
func (m *MockSDK) TrackRelay(ctx context.Context, relayID string, src, dst *Chain, sourceTxHash string, maxWait time.Duration) (<-chan RelayUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.relayError != nil {
		return nil, m.relayError
	}
	ch := make(chan RelayUpdate, mockBufferSize)
	m.relaySubs[relayID] = ch
	m.lastRelayMaxWait = maxWait
	return ch, nil
}

// CancelRelayTracking records a cancellation for relayID.
func (m *MockSDK) CancelRelayTracking(relayID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayCancels[relayID]++
}

// PushTransactionUpdate delivers u to the latest subscription for txHash.
func (m *MockSDK) PushTransactionUpdate(txHash string, chainID int64, u TransactionUpdate) bool {
	m.mu.RLock()
	ch, ok := m.txSubs[txKey(txHash, chainID)]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ch <- u
	return true
}

// PushBalanceUpdate delivers u to the balance subscription with the given key.
func (m *MockSDK) PushBalanceUpdate(key string, u BalanceUpdate) bool {
	m.mu.RLock()
	ch, ok := m.balanceSubs[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ch <- u
	return true
}

// PushRelayUpdate delivers u to the latest subscription for relayID.
func (m *MockSDK) PushRelayUpdate(relayID string, u RelayUpdate) bool {
	m.mu.RLock()
	ch, ok := m.relaySubs[relayID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ch <- u
	return true
}

// SetBalance configures the value returned by GetBalance.
func (m *MockSDK) SetBalance(address string, chainID int64, token, balance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(address, chainID, token)] = balance
}

// SetRefreshResult configures the value returned by RefreshBalanceAfterTransaction.
func (m *MockSDK) SetRefreshResult(u BalanceUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshResult = &u
}

// SetWatchError makes WatchTransaction fail.
func (m *MockSDK) SetWatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchError = err
}

// SetBalanceError makes WatchBalance fail.
func (m *MockSDK) SetBalanceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceError = err
}

// SetRelayError makes TrackRelay fail.
func (m *MockSDK) SetRelayError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relayError = err
}

// SetGetBalanceError makes GetBalance fail.
func (m *MockSDK) SetGetBalanceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getBalanceError = err
}

// SetRefreshError makes RefreshBalanceAfterTransaction fail.
func (m *MockSDK) SetRefreshError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshError = err
}

// TransactionCancelCount returns how many times CancelWatch was called for txHash.
func (m *MockSDK) TransactionCancelCount(txHash string, chainID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txCancels[txKey(txHash, chainID)]
}

// BalanceCancelCount returns how many times CancelBalanceWatch was called for key.
func (m *MockSDK) BalanceCancelCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceCancels[key]
}

// RelayCancelCount returns how many times CancelRelayTracking was called for relayID.
func (m *MockSDK) RelayCancelCount(relayID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relayCancels[relayID]
}

// HasTransactionWatch reports whether a subscription was ever opened for txHash.
func (m *MockSDK) HasTransactionWatch(txHash string, chainID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txSubs[txKey(txHash, chainID)]
	return ok
}

// LastBalanceKey returns the key of the most recent balance watch.
func (m *MockSDK) LastBalanceKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.nextBalanceKey == 0 {
		return ""
	}
	return fmt.Sprintf("balance-%d", m.nextBalanceKey)
}

// LastPollInterval returns the poll interval of the most recent balance watch.
func (m *MockSDK) LastPollInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPollInterval
}

// LastRelayMaxWait returns the max wait of the most recent relay tracking.
func (m *MockSDK) LastRelayMaxWait() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRelayMaxWait
}

// GetBalanceCalls returns the useCache flag of every GetBalance call.
func (m *MockSDK) GetBalanceCalls() []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bool, len(m.getBalanceCalls))
	copy(out, m.getBalanceCalls)
	return out
}

// RefreshCalls returns the maxWait of every RefreshBalanceAfterTransaction call.
func (m *MockSDK) RefreshCalls() []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]time.Duration, len(m.refreshCalls))
	copy(out, m.refreshCalls)
	return out
}
