package chain

import (
	"context"
	"time"
)

// TxStatus is the lifecycle state of a watched transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxDropped   TxStatus = "dropped"
	TxReplaced  TxStatus = "replaced"
	TxNotFound  TxStatus = "not_found"
)

// Valid reports whether s is a known status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxConfirmed, TxFailed, TxDropped, TxReplaced, TxNotFound:
		return true
	}
	return false
}

// Terminal reports whether no further transitions follow s.
// Replaced is not terminal: the replacement keeps being tracked.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxConfirmed, TxFailed, TxDropped, TxNotFound:
		return true
	}
	return false
}

// Receipt is the settled result of a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	Success     bool   `json:"success"`
}

// TransactionUpdate is one status push for a watched transaction.
type TransactionUpdate struct {
	Status          TxStatus
	Receipt         *Receipt
	ReplacementHash string
	Error           string
}

// BalanceUpdate is one balance reading. Balances are raw smallest-unit integer strings.
// A non-nil Err reports a failed poll; the watch keeps running.
type BalanceUpdate struct {
	Balance         string
	PreviousBalance string
	Timestamp       time.Time
	Err             error
}

// RelayStatusValue is the lifecycle state of a cross-chain relay.
type RelayStatusValue string

const (
	RelayInitiated RelayStatusValue = "initiated"
	RelayPending   RelayStatusValue = "pending"
	RelayRelaying  RelayStatusValue = "relaying"
	RelayCompleted RelayStatusValue = "completed"
	RelayFailed    RelayStatusValue = "failed"
)

// Valid reports whether s is a known relay status.
func (s RelayStatusValue) Valid() bool {
	switch s {
	case RelayInitiated, RelayPending, RelayRelaying, RelayCompleted, RelayFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions follow s.
func (s RelayStatusValue) Terminal() bool {
	return s == RelayCompleted || s == RelayFailed
}

// RelayUpdate is one status push for a tracked relay.
type RelayUpdate struct {
	Status                  RelayStatusValue
	Progress                int
	DestinationTxHash       string
	Error                   string
	EstimatedCompletionTime *time.Time
	ActualCompletionTime    *time.Time
	Timestamp               time.Time
}

// Resolver looks up chains by id.
type Resolver interface {
	ResolveChain(chainID int64) (*Chain, bool)
}

// TransactionWatcher streams status updates for a transaction.
//
// The returned channel delivers updates in emission order until ctx is done. It is
// never closed; readers stop on their own context. Callers cancel ctx before calling
// CancelWatch, which releases the caller's watch without affecting other watchers of
// the same transaction.
type TransactionWatcher interface {
	WatchTransaction(ctx context.Context, txHash string, c *Chain) (<-chan TransactionUpdate, error)
	CancelWatch(txHash string, chainID int64)
}

// BalanceWatcher polls balances for an account.
type BalanceWatcher interface {
	// WatchBalance opens a polling watch and returns its key and update stream.
	// An empty token means the chain's native asset.
	WatchBalance(ctx context.Context, address string, c *Chain, token string, pollInterval time.Duration) (string, <-chan BalanceUpdate, error)
	CancelBalanceWatch(key string)
	// GetBalance returns the raw balance. useCache=false forces a fresh read.
	GetBalance(ctx context.Context, address string, c *Chain, token string, useCache bool) (string, error)
	// RefreshBalanceAfterTransaction waits up to maxWait for txHash to settle and returns
	// the balance read afterwards, or the best-known value when the wait runs out.
	RefreshBalanceAfterTransaction(ctx context.Context, txHash, address string, c *Chain, token string, maxWait time.Duration) (BalanceUpdate, error)
}

// RelayTracker streams progress for a cross-chain relay.
//
// The tracker honors maxWait by emitting a failed update once it elapses without a
// terminal status, and stops delivering after the first terminal update.
type RelayTracker interface {
	TrackRelay(ctx context.Context, relayID string, src, dst *Chain, sourceTxHash string, maxWait time.Duration) (<-chan RelayUpdate, error)
	CancelRelayTracking(relayID string)
}
