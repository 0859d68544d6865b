package nats

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/tipwatch/service/chain"
)

// TransactionStatusEvent is a status change of a watched transaction.
// It is published to "tipwatch.tx.{chain_id}.{tx_hash}".
type TransactionStatusEvent struct {
	TxHash          string         `json:"tx_hash"`
	ChainID         int64          `json:"chain_id"`
	Status          chain.TxStatus `json:"status"`
	Receipt         *chain.Receipt `json:"receipt,omitempty"`
	ReplacementHash string         `json:"replacement_hash,omitempty"`
	Error           string         `json:"error,omitempty"`
	PublishedAt     time.Time      `json:"published_at"`
}

// Update converts the event into the update delivered to monitors.
func (e *TransactionStatusEvent) Update() chain.TransactionUpdate {
	return chain.TransactionUpdate{
		Status:          e.Status,
		Receipt:         e.Receipt,
		ReplacementHash: e.ReplacementHash,
		Error:           e.Error,
	}
}

// Validate checks the event carries a known status and a publishable subject.
func (e *TransactionStatusEvent) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("unknown transaction status %q", e.Status)
	}
	_, err := TransactionSubject(e.ChainID, e.TxHash)
	return err
}

// BalanceEvent is one balance reading for an account.
// It is published to "tipwatch.balance.{chain_id}.{address}.{token|native}".
type BalanceEvent struct {
	ChainID         int64     `json:"chain_id"`
	Address         string    `json:"address"`
	Token           string    `json:"token,omitempty"`
	Balance         string    `json:"balance,omitempty"`
	PreviousBalance string    `json:"previous_balance,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

// Update converts the event into the update delivered to monitors. An event carrying
// an error becomes a failed poll.
func (e *BalanceEvent) Update() chain.BalanceUpdate {
	u := chain.BalanceUpdate{
		Balance:         e.Balance,
		PreviousBalance: e.PreviousBalance,
		Timestamp:       e.Timestamp,
	}
	if e.Error != "" {
		u.Err = errors.New(e.Error)
	}
	return u
}

// Validate checks the event is either a reading or an error and has a publishable subject.
func (e *BalanceEvent) Validate() error {
	if e.Balance == "" && e.Error == "" {
		return fmt.Errorf("balance event needs a balance or an error")
	}
	_, err := BalanceSubject(e.ChainID, e.Address, e.Token)
	return err
}

// RelayStatusEvent is a progress report for a cross-chain relay.
// It is published to "tipwatch.relay.{relay_id}".
type RelayStatusEvent struct {
	RelayID                 string                 `json:"relay_id"`
	Status                  chain.RelayStatusValue `json:"status"`
	Progress                int                    `json:"progress"`
	DestinationTxHash       string                 `json:"destination_tx_hash,omitempty"`
	Error                   string                 `json:"error,omitempty"`
	EstimatedCompletionTime *time.Time             `json:"estimated_completion_time,omitempty"`
	ActualCompletionTime    *time.Time             `json:"actual_completion_time,omitempty"`
	Timestamp               time.Time              `json:"timestamp"`
}

// Update converts the event into the update delivered to monitors.
func (e *RelayStatusEvent) Update() chain.RelayUpdate {
	return chain.RelayUpdate{
		Status:                  e.Status,
		Progress:                e.Progress,
		DestinationTxHash:       e.DestinationTxHash,
		Error:                   e.Error,
		EstimatedCompletionTime: e.EstimatedCompletionTime,
		ActualCompletionTime:    e.ActualCompletionTime,
		Timestamp:               e.Timestamp,
	}
}

// Validate checks the event carries a known status, a sane progress and a publishable subject.
func (e *RelayStatusEvent) Validate() error {
	if !e.Status.Valid() {
		return fmt.Errorf("unknown relay status %q", e.Status)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range 0-100", e.Progress)
	}
	_, err := RelaySubject(e.RelayID)
	return err
}

// TransactionWatchRequest asks pollers to publish status changes for a transaction.
type TransactionWatchRequest struct {
	ChainID int64  `json:"chain_id"`
	TxHash  string `json:"tx_hash"`
}

// TransactionUnwatchRequest cancels a TransactionWatchRequest.
type TransactionUnwatchRequest struct {
	ChainID int64  `json:"chain_id"`
	TxHash  string `json:"tx_hash"`
}

// BalanceWatchRequest asks balance pollers to start publishing readings for an account.
type BalanceWatchRequest struct {
	Key            string `json:"key"`
	ChainID        int64  `json:"chain_id"`
	Address        string `json:"address"`
	Token          string `json:"token,omitempty"`
	PollIntervalMS int64  `json:"poll_interval_ms"`
}

// BalanceUnwatchRequest cancels a BalanceWatchRequest by key.
type BalanceUnwatchRequest struct {
	Key string `json:"key"`
}

// RelayTrackRequest asks relay trackers to start publishing progress for a relay.
type RelayTrackRequest struct {
	RelayID            string `json:"relay_id"`
	SourceChainID      int64  `json:"source_chain_id"`
	DestinationChainID int64  `json:"destination_chain_id"`
	SourceTxHash       string `json:"source_tx_hash"`
	MaxWaitMS          int64  `json:"max_wait_ms"`
}

// RelayUntrackRequest cancels a RelayTrackRequest.
type RelayUntrackRequest struct {
	RelayID string `json:"relay_id"`
}

// BalanceRequest is the payload of a balance read over request/reply.
type BalanceRequest struct {
	ChainID  int64  `json:"chain_id"`
	Address  string `json:"address"`
	Token    string `json:"token,omitempty"`
	UseCache bool   `json:"use_cache"`
}

// RefreshRequest is the payload of a post-transaction balance refresh over request/reply.
type RefreshRequest struct {
	TxHash    string `json:"tx_hash"`
	ChainID   int64  `json:"chain_id"`
	Address   string `json:"address"`
	Token     string `json:"token,omitempty"`
	MaxWaitMS int64  `json:"max_wait_ms"`
}

// BalanceReply answers BalanceRequest and RefreshRequest.
type BalanceReply struct {
	Balance         string    `json:"balance,omitempty"`
	PreviousBalance string    `json:"previous_balance,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Error           string    `json:"error,omitempty"`
}

const subjectPrefix = "tipwatch"

// NativeToken stands in for the empty token in subjects.
const NativeToken = "native"

// Control and request/reply subjects. These use core NATS and are not captured by the stream.
const (
	SubjectTxWatch        = "tipwatch.ctl.tx.watch"
	SubjectTxUnwatch      = "tipwatch.ctl.tx.unwatch"
	SubjectBalanceWatch   = "tipwatch.ctl.balance.watch"
	SubjectBalanceUnwatch = "tipwatch.ctl.balance.unwatch"
	SubjectRelayTrack     = "tipwatch.ctl.relay.track"
	SubjectRelayUntrack   = "tipwatch.ctl.relay.untrack"
	SubjectBalanceGet     = "tipwatch.rpc.balance.get"
	SubjectBalanceRefresh = "tipwatch.rpc.balance.refresh"
)

// TransactionSubject returns the subject transaction status events are published to.
func TransactionSubject(chainID int64, txHash string) (string, error) {
	if err := validateToken("tx hash", txHash); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.tx.%d.%s", subjectPrefix, chainID, txHash), nil
}

// BalanceSubject returns the subject balance events are published to. An empty token
// means the native asset.
func BalanceSubject(chainID int64, address, token string) (string, error) {
	if err := validateToken("address", address); err != nil {
		return "", err
	}
	if token == "" {
		token = NativeToken
	}
	if err := validateToken("token", token); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.balance.%d.%s.%s", subjectPrefix, chainID, address, token), nil
}

// RelaySubject returns the subject relay status events are published to.
func RelaySubject(relayID string) (string, error) {
	if err := validateToken("relay id", relayID); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.relay.%s", subjectPrefix, relayID), nil
}

// validateToken rejects values that would change the shape of a subject.
func validateToken(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	if strings.ContainsAny(v, ".*> \t\r\n") {
		return fmt.Errorf("%s %q is not a valid subject token", name, v)
	}
	return nil
}
