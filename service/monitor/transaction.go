package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/notify"
)

// DefaultTransactionNotificationExpiry is how long a terminal transaction notification stays visible.
const DefaultTransactionNotificationExpiry = 6 * time.Second

// ProgressOf maps a transaction status to a progress percentage.
func ProgressOf(status chain.TxStatus) int {
	switch status {
	case chain.TxPending:
		return 25
	case chain.TxConfirmed:
		return 100
	case chain.TxReplaced:
		return 50
	default:
		return 0
	}
}

// TransactionState is a snapshot of a TransactionMonitor.
type TransactionState struct {
	TxHash          string         `json:"tx_hash"`
	ChainID         int64          `json:"chain_id"`
	Status          chain.TxStatus `json:"status,omitempty"`
	Progress        int            `json:"progress"`
	Receipt         *chain.Receipt `json:"receipt,omitempty"`
	ReplacementHash string         `json:"replacement_hash,omitempty"`
	Error           string         `json:"error,omitempty"`
	NotificationID  string         `json:"notification_id,omitempty"`
	Active          bool           `json:"active"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (s TransactionState) IsPending() bool {
	return s.Status == chain.TxPending || s.Status == chain.TxReplaced
}

func (s TransactionState) IsConfirmed() bool { return s.Status == chain.TxConfirmed }

func (s TransactionState) IsFailed() bool {
	return s.Status == chain.TxFailed || s.Status == chain.TxDropped || s.Status == chain.TxNotFound
}

func (s TransactionState) IsComplete() bool { return s.Status.Terminal() }

// TransactionOptions configures a TransactionMonitor.
type TransactionOptions struct {
	// CreateNotification adds a pending notification on Start when no
	// notification id is supplied.
	CreateNotification bool
	// NotificationExpiry applies once the transaction is terminal. Defaults to 6s.
	NotificationExpiry time.Duration

	OnUpdate   func(TransactionState)
	OnComplete func(*chain.Receipt)
	OnError    func(error)
}

// TransactionMonitor tracks one transaction hash until it reaches a terminal status.
type TransactionMonitor struct {
	deps Deps
	opts TransactionOptions
	gen  atomic.Uint64

	mu     sync.Mutex
	state  TransactionState
	cancel context.CancelFunc
	done   *completion[*chain.Receipt]
}

// NewTransactionMonitor creates an idle monitor.
func NewTransactionMonitor(deps Deps, opts TransactionOptions) *TransactionMonitor {
	if opts.NotificationExpiry <= 0 {
		opts.NotificationExpiry = DefaultTransactionNotificationExpiry
	}
	return &TransactionMonitor{deps: deps.withDefaults(), opts: opts}
}

func (m *TransactionMonitor) Kind() Kind { return KindTransaction }

func (m *TransactionMonitor) State() any { return m.Snapshot() }

// Snapshot returns a copy of the current state.
func (m *TransactionMonitor) Snapshot() TransactionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens a watch on (txHash, chainID). Calling Start again with the same key while
// the watch is active is a no-op; a different key stops the current watch first.
//
// notificationID correlates an existing notification. When it is empty and
// CreateNotification is set a pending notification is added. The watch lives until a
// terminal status, Stop, or cancellation of ctx. The watch is opened without holding the
// monitor lock; if Stop or another Start wins the race, the new watch is closed again
// and ErrStopped is returned.
func (m *TransactionMonitor) Start(ctx context.Context, txHash string, chainID int64, notificationID string) error {
	if txHash == "" {
		return fmt.Errorf("%w: transaction hash is required", ErrInvalidParams)
	}

	c, err := m.deps.resolve(chainID)
	if err != nil {
		m.report(err, notificationID)
		return err
	}
	if err := c.ValidateTxHash(txHash); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidParams, err)
		m.report(err, notificationID)
		return err
	}

	m.mu.Lock()
	if m.state.Active && m.state.TxHash == txHash && m.state.ChainID == chainID {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked(ErrStopped)
	gen := m.gen.Inc()
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	updates, err := m.deps.Transactions.WatchTransaction(subCtx, txHash, c)
	if err != nil {
		cancel()
		err = &SubscriptionError{Op: "watch transaction", Err: err}
		m.deps.Logger.Error("failed to open transaction watch", "tx_hash", txHash, "chain_id", chainID, "error", err)
		m.report(err, notificationID)
		return err
	}

	m.mu.Lock()
	if m.gen.Load() != gen {
		// Stopped or restarted while the watch was opening.
		m.mu.Unlock()
		cancel()
		m.deps.Transactions.CancelWatch(txHash, chainID)
		return ErrStopped
	}

	if notificationID == "" && m.opts.CreateNotification && m.deps.Notifier != nil {
		notificationID = m.deps.Notifier.Add(notify.Notification{
			Kind:            notify.KindPending,
			Title:           "Transaction Pending",
			Message:         "Waiting for confirmation...",
			TransactionHash: txHash,
			ChainID:         chainID,
		})
	}

	m.state = TransactionState{
		TxHash:         txHash,
		ChainID:        chainID,
		Status:         chain.TxPending,
		Progress:       ProgressOf(chain.TxPending),
		NotificationID: notificationID,
		Active:         true,
		UpdatedAt:      m.deps.Clock.Now(),
	}
	m.cancel = cancel
	m.done = newCompletion[*chain.Receipt]()
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorStarted(string(KindTransaction))
	m.deps.Logger.Info("transaction monitor started", "tx_hash", txHash, "chain_id", chainID, "notification_id", notificationID)

	go m.consume(subCtx, gen, updates)
	return nil
}

// Stop cancels the open watch, if any. It is safe to call at any time.
func (m *TransactionMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ErrStopped)
}

// Wait blocks until the current watch reaches a terminal status, is stopped, or ctx is done.
// A confirmed transaction yields its receipt; every other outcome yields an error.
func (m *TransactionMonitor) Wait(ctx context.Context) (*chain.Receipt, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil, ErrNotStarted
	}
	select {
	case <-done.done:
		return done.value, done.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *TransactionMonitor) consume(ctx context.Context, gen uint64, updates <-chan chain.TransactionUpdate) {
	for {
		select {
		case <-ctx.Done():
			m.release(gen, ctx.Err())
			return
		case u := <-updates:
			if !m.apply(gen, u) {
				return
			}
		}
	}
}

// apply mirrors u into state and the correlated notification. It returns false once
// the subscription should no longer be read.
func (m *TransactionMonitor) apply(gen uint64, u chain.TransactionUpdate) bool {
	if !u.Status.Valid() {
		m.deps.Logger.Warn("ignoring transaction update with unknown status", "status", u.Status)
		return true
	}

	m.mu.Lock()
	if m.gen.Load() != gen || !m.state.Active {
		m.mu.Unlock()
		return false
	}

	m.state.Status = u.Status
	m.state.Progress = ProgressOf(u.Status)
	m.state.UpdatedAt = m.deps.Clock.Now()
	if u.Receipt != nil {
		m.state.Receipt = u.Receipt
	}
	if u.Error != "" {
		m.state.Error = u.Error
	}
	if u.ReplacementHash != "" {
		m.state.ReplacementHash = u.ReplacementHash
	}

	terminal := u.Status.Terminal()
	m.notifyLocked(u, terminal)

	var outcomeErr error
	if terminal {
		if u.Status != chain.TxConfirmed {
			outcomeErr = &TerminalFailureError{Status: string(u.Status), Reason: u.Error}
		}
		m.finishLocked(m.state.Receipt, outcomeErr)
	}
	snapshot := m.state
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorUpdate(string(KindTransaction), string(u.Status))
	m.deps.Logger.Debug("transaction update", "tx_hash", snapshot.TxHash, "chain_id", snapshot.ChainID, "status", u.Status)

	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(snapshot)
	}
	if terminal {
		m.deps.Metrics.RecordMonitorOutcome(string(KindTransaction), string(u.Status))
		if outcomeErr == nil {
			if m.opts.OnComplete != nil {
				m.opts.OnComplete(snapshot.Receipt)
			}
		} else if m.opts.OnError != nil {
			m.opts.OnError(outcomeErr)
		}
		return false
	}
	return true
}

func (m *TransactionMonitor) notifyLocked(u chain.TransactionUpdate, terminal bool) {
	if m.state.NotificationID == "" || m.deps.Notifier == nil {
		return
	}
	kind, title, message := describeTransaction(u)
	expiry := time.Duration(0)
	if terminal {
		expiry = m.opts.NotificationExpiry
	}
	upd := notify.Update{
		Kind:    &kind,
		Title:   &title,
		Message: &message,
		Expiry:  &expiry,
	}
	if u.Status == chain.TxReplaced && u.ReplacementHash != "" {
		upd.TransactionHash = ptr(u.ReplacementHash)
	}
	m.deps.Notifier.Update(m.state.NotificationID, upd)
}

func describeTransaction(u chain.TransactionUpdate) (notify.Kind, string, string) {
	switch u.Status {
	case chain.TxConfirmed:
		if u.Receipt != nil && u.Receipt.BlockNumber > 0 {
			return notify.KindSuccess, "Transaction Confirmed", fmt.Sprintf("Confirmed in block %d", u.Receipt.BlockNumber)
		}
		return notify.KindSuccess, "Transaction Confirmed", "Your transaction has been confirmed"
	case chain.TxFailed:
		return notify.KindError, "Transaction Failed", reasonOr(u.Error, "The transaction failed")
	case chain.TxDropped:
		return notify.KindError, "Transaction Dropped", reasonOr(u.Error, "The transaction was dropped before confirmation")
	case chain.TxNotFound:
		return notify.KindError, "Transaction Not Found", reasonOr(u.Error, "The transaction could not be found")
	case chain.TxReplaced:
		if u.ReplacementHash != "" {
			return notify.KindWarning, "Transaction Replaced", fmt.Sprintf("Replaced by %s, tracking the replacement...", u.ReplacementHash)
		}
		return notify.KindWarning, "Transaction Replaced", "Tracking the replacement transaction..."
	default:
		return notify.KindPending, "Transaction Pending", "Waiting for confirmation..."
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// report surfaces an error that prevented a watch from opening. State belongs to
// whatever subscription is current and is left alone.
func (m *TransactionMonitor) report(err error, notificationID string) {
	if notificationID != "" && m.deps.Notifier != nil {
		m.deps.Notifier.Update(notificationID, notify.Update{
			Kind:    ptr(notify.KindError),
			Title:   ptr("Transaction Monitoring Failed"),
			Message: ptr(err.Error()),
			Expiry:  ptr(m.opts.NotificationExpiry),
		})
	}
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

// release handles the end of the watch context. The correlated notification turns
// into an expiring error so it does not stay pending forever.
func (m *TransactionMonitor) release(gen uint64, err error) {
	m.mu.Lock()
	if m.gen.Load() != gen || !m.state.Active {
		m.mu.Unlock()
		return
	}
	m.state.Error = err.Error()
	m.state.UpdatedAt = m.deps.Clock.Now()
	if m.state.NotificationID != "" && m.deps.Notifier != nil {
		m.deps.Notifier.Update(m.state.NotificationID, notify.Update{
			Kind:    ptr(notify.KindError),
			Title:   ptr("Transaction Monitoring Stopped"),
			Message: ptr(err.Error()),
			Expiry:  ptr(m.opts.NotificationExpiry),
		})
	}
	subErr := &SubscriptionError{Op: "watch transaction", Err: err}
	m.stopLocked(subErr)
	m.mu.Unlock()

	if m.opts.OnError != nil {
		m.opts.OnError(subErr)
	}
}

func (m *TransactionMonitor) stopLocked(reason error) {
	m.gen.Inc()
	if !m.state.Active {
		return
	}
	m.finishLocked(nil, reason)
	m.deps.Transactions.CancelWatch(m.state.TxHash, m.state.ChainID)
	m.deps.Metrics.RecordMonitorOutcome(string(KindTransaction), "stopped")
	m.deps.Logger.Info("transaction monitor stopped", "tx_hash", m.state.TxHash, "chain_id", m.state.ChainID)
}

func (m *TransactionMonitor) finishLocked(receipt *chain.Receipt, err error) {
	m.state.Active = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.done != nil {
		m.done.resolve(receipt, err)
	}
	m.deps.Metrics.RecordMonitorStopped(string(KindTransaction))
}
