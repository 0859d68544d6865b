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

const (
	DefaultRelayMaxWait            = 10 * time.Minute
	DefaultRelayNotificationExpiry = 8 * time.Second
)

// RelayState is a snapshot of a RelayMonitor.
type RelayState struct {
	RelayID                 string                 `json:"relay_id"`
	SourceChainID           int64                  `json:"source_chain_id"`
	DestinationChainID      int64                  `json:"destination_chain_id"`
	SourceTxHash            string                 `json:"source_tx_hash"`
	Status                  chain.RelayStatusValue `json:"status,omitempty"`
	Progress                int                    `json:"progress"`
	DestinationTxHash       string                 `json:"destination_tx_hash,omitempty"`
	Error                   string                 `json:"error,omitempty"`
	EstimatedCompletionTime *time.Time             `json:"estimated_completion_time,omitempty"`
	ActualCompletionTime    *time.Time             `json:"actual_completion_time,omitempty"`
	NotificationID          string                 `json:"notification_id,omitempty"`
	Active                  bool                   `json:"active"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

func (s RelayState) IsPending() bool {
	return s.Status == chain.RelayInitiated || s.Status == chain.RelayPending
}

func (s RelayState) IsRelaying() bool  { return s.Status == chain.RelayRelaying }
func (s RelayState) IsCompleted() bool { return s.Status == chain.RelayCompleted }
func (s RelayState) IsFailed() bool    { return s.Status == chain.RelayFailed }
func (s RelayState) IsComplete() bool  { return s.Status.Terminal() }

// RelayDescriptor is the display form of a relay status.
type RelayDescriptor struct {
	Kind    notify.Kind
	Title   string
	Message string
}

// DescribeRelay maps a relay status and progress to its display form.
func DescribeRelay(status chain.RelayStatusValue, progress int) RelayDescriptor {
	switch status {
	case chain.RelayInitiated:
		return RelayDescriptor{notify.KindPending, "Relay Initiated", "Waiting for the source transaction to be picked up..."}
	case chain.RelayPending:
		return RelayDescriptor{notify.KindPending, "Relay Pending", fmt.Sprintf("Waiting for a relayer (%d%%)", progress)}
	case chain.RelayRelaying:
		return RelayDescriptor{notify.KindPending, "Relaying", fmt.Sprintf("Delivering to the destination chain (%d%%)", progress)}
	case chain.RelayCompleted:
		return RelayDescriptor{notify.KindSuccess, "Relay Completed", "Funds arrived on the destination chain"}
	case chain.RelayFailed:
		return RelayDescriptor{notify.KindError, "Relay Failed", "The relay could not be completed"}
	default:
		return RelayDescriptor{notify.KindInfo, "Relay Status Unknown", fmt.Sprintf("Status %q (%d%%)", status, progress)}
	}
}

func relayRank(s chain.RelayStatusValue) int {
	switch s {
	case chain.RelayInitiated:
		return 0
	case chain.RelayPending:
		return 1
	case chain.RelayRelaying:
		return 2
	default:
		return 3
	}
}

// RelayOptions configures a RelayMonitor.
type RelayOptions struct {
	// MaxWait bounds the whole relay. Defaults to 10 minutes.
	MaxWait time.Duration
	// CreateNotification adds a persistent notification as soon as Start succeeds.
	CreateNotification bool
	NotificationExpiry time.Duration

	OnUpdate   func(RelayState)
	OnComplete func(RelayState)
	OnError    func(error)
}

// RelayMonitor tracks a cross-chain relay from initiation to a terminal status.
type RelayMonitor struct {
	deps Deps
	opts RelayOptions
	gen  atomic.Uint64

	mu     sync.Mutex
	state  RelayState
	cancel context.CancelFunc
	done   *completion[RelayState]
}

// NewRelayMonitor creates an idle monitor.
func NewRelayMonitor(deps Deps, opts RelayOptions) *RelayMonitor {
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultRelayMaxWait
	}
	if opts.NotificationExpiry <= 0 {
		opts.NotificationExpiry = DefaultRelayNotificationExpiry
	}
	return &RelayMonitor{deps: deps.withDefaults(), opts: opts}
}

func (m *RelayMonitor) Kind() Kind { return KindRelay }

func (m *RelayMonitor) State() any { return m.Snapshot() }

// Snapshot returns a copy of the current state.
func (m *RelayMonitor) Snapshot() RelayState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins tracking relayID. Both chains must be known. Calling Start again with
// the same relay id while active is a no-op; a different id stops the current tracking
// first. A failure to open tracking marks the new relay failed and is returned; an
// unknown chain is only returned. ErrStopped is returned when Stop or another Start
// wins the race with the opening subscription.
func (m *RelayMonitor) Start(ctx context.Context, relayID string, sourceChainID, destChainID int64, sourceTxHash string) error {
	if relayID == "" || sourceTxHash == "" {
		return fmt.Errorf("%w: relay id and source transaction hash are required", ErrInvalidParams)
	}
	src, err := m.deps.resolve(sourceChainID)
	if err != nil {
		m.report(err)
		return err
	}
	dst, err := m.deps.resolve(destChainID)
	if err != nil {
		m.report(err)
		return err
	}

	m.mu.Lock()
	if m.state.Active && m.state.RelayID == relayID {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked(ErrStopped)
	gen := m.gen.Inc()

	done := newCompletion[RelayState]()
	m.state = RelayState{
		RelayID:            relayID,
		SourceChainID:      sourceChainID,
		DestinationChainID: destChainID,
		SourceTxHash:       sourceTxHash,
		Status:             chain.RelayInitiated,
		UpdatedAt:          m.deps.Clock.Now(),
	}
	m.done = done

	if m.opts.CreateNotification && m.deps.Notifier != nil {
		d := DescribeRelay(chain.RelayInitiated, 0)
		m.state.NotificationID = m.deps.Notifier.Add(notify.Notification{
			Kind:            d.Kind,
			Title:           d.Title,
			Message:         d.Message,
			TransactionHash: sourceTxHash,
			ChainID:         sourceChainID,
		})
	}

	notificationID := m.state.NotificationID
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	updates, err := m.deps.Relays.TrackRelay(subCtx, relayID, src, dst, sourceTxHash, m.opts.MaxWait)

	m.mu.Lock()
	if m.gen.Load() != gen {
		// Stopped or restarted while tracking was opening.
		m.mu.Unlock()
		cancel()
		if err == nil {
			m.deps.Relays.CancelRelayTracking(relayID)
		}
		if notificationID != "" && m.deps.Notifier != nil {
			m.deps.Notifier.Update(notificationID, notify.Update{
				Kind:    ptr(notify.KindError),
				Title:   ptr("Relay Tracking Stopped"),
				Message: ptr(ErrStopped.Error()),
				Expiry:  ptr(m.opts.NotificationExpiry),
			})
		}
		done.resolve(RelayState{}, ErrStopped)
		return ErrStopped
	}
	if err != nil {
		cancel()
		err = &SubscriptionError{Op: "track relay", Err: err}
		m.state.Status = chain.RelayFailed
		m.state.Error = err.Error()
		m.notifyLocked(true)
		m.done.resolve(m.state, err)
		m.mu.Unlock()

		m.deps.Logger.Error("failed to start relay tracking", "relay_id", relayID, "error", err)
		m.deps.Metrics.RecordMonitorOutcome(string(KindRelay), string(chain.RelayFailed))
		if m.opts.OnError != nil {
			m.opts.OnError(err)
		}
		return err
	}

	m.state.Active = true
	m.cancel = cancel
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorStarted(string(KindRelay))
	m.deps.Logger.Info("relay monitor started",
		"relay_id", relayID, "source_chain_id", sourceChainID, "destination_chain_id", destChainID, "max_wait", m.opts.MaxWait)

	go m.consume(subCtx, gen, updates)
	return nil
}

// Stop cancels tracking. It is idempotent and safe after a terminal status.
func (m *RelayMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ErrStopped)
}

// Wait blocks until the relay is terminal, stopped, or ctx is done. A completed relay
// returns its final state; a failed relay returns the final state and an error.
func (m *RelayMonitor) Wait(ctx context.Context) (RelayState, error) {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return RelayState{}, ErrNotStarted
	}
	select {
	case <-done.done:
		return done.value, done.err
	case <-ctx.Done():
		return RelayState{}, ctx.Err()
	}
}

// FormatTimeRemaining renders the time left until the estimated completion. ok is false
// when no estimate is available.
func (m *RelayMonitor) FormatTimeRemaining() (string, bool) {
	m.mu.Lock()
	est := m.state.EstimatedCompletionTime
	m.mu.Unlock()

	if est == nil {
		return "", false
	}
	return formatTimeRemaining(*est, m.deps.Clock.Now()), true
}

func (m *RelayMonitor) consume(ctx context.Context, gen uint64, updates <-chan chain.RelayUpdate) {
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

// apply folds u into state. Progress never decreases while non-terminal, the
// destination hash is never cleared and the status never moves backwards.
func (m *RelayMonitor) apply(gen uint64, u chain.RelayUpdate) bool {
	if !u.Status.Valid() {
		m.deps.Logger.Warn("ignoring relay update with unknown status", "status", u.Status)
		return true
	}

	m.mu.Lock()
	if m.gen.Load() != gen || !m.state.Active {
		m.mu.Unlock()
		return false
	}

	s := &m.state
	if u.Status.Terminal() || relayRank(u.Status) >= relayRank(s.Status) {
		s.Status = u.Status
	}
	switch u.Status {
	case chain.RelayCompleted:
		s.Progress = 100
	case chain.RelayFailed:
	default:
		s.Progress = max(s.Progress, min(max(u.Progress, 0), 100))
	}
	if u.DestinationTxHash != "" {
		s.DestinationTxHash = u.DestinationTxHash
	}
	if u.Error != "" {
		s.Error = u.Error
	}
	if u.EstimatedCompletionTime != nil {
		s.EstimatedCompletionTime = u.EstimatedCompletionTime
	}
	if u.ActualCompletionTime != nil {
		s.ActualCompletionTime = u.ActualCompletionTime
	}
	s.UpdatedAt = u.Timestamp
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.deps.Clock.Now()
	}

	terminal := s.Status.Terminal()
	m.notifyLocked(terminal)

	var outcomeErr error
	if terminal {
		if s.Status == chain.RelayFailed {
			outcomeErr = &TerminalFailureError{Status: string(chain.RelayFailed), Reason: s.Error}
		}
		m.finishLocked(outcomeErr)
	}
	snapshot := m.state
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorUpdate(string(KindRelay), string(u.Status))
	m.deps.Logger.Debug("relay update", "relay_id", snapshot.RelayID, "status", snapshot.Status, "progress", snapshot.Progress)

	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(snapshot)
	}
	if terminal {
		m.deps.Metrics.RecordMonitorOutcome(string(KindRelay), string(snapshot.Status))
		if outcomeErr == nil {
			if m.opts.OnComplete != nil {
				m.opts.OnComplete(snapshot)
			}
		} else if m.opts.OnError != nil {
			m.opts.OnError(outcomeErr)
		}
		return false
	}
	return true
}

// notifyLocked pushes the current status into the correlated notification. Once a
// destination hash is known the notification links to the destination chain.
func (m *RelayMonitor) notifyLocked(terminal bool) {
	if m.state.NotificationID == "" || m.deps.Notifier == nil {
		return
	}
	d := DescribeRelay(m.state.Status, m.state.Progress)
	if m.state.Status == chain.RelayFailed && m.state.Error != "" {
		d.Message = m.state.Error
	}
	expiry := time.Duration(0)
	if terminal {
		expiry = m.opts.NotificationExpiry
	}
	upd := notify.Update{
		Kind:    &d.Kind,
		Title:   &d.Title,
		Message: &d.Message,
		Expiry:  &expiry,
	}
	if m.state.DestinationTxHash != "" {
		upd.TransactionHash = ptr(m.state.DestinationTxHash)
		upd.ChainID = ptr(m.state.DestinationChainID)
	}
	m.deps.Notifier.Update(m.state.NotificationID, upd)
}

// report surfaces a setup error without touching the state of the current tracking.
func (m *RelayMonitor) report(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

// release handles the end of the tracking context. Any failure while awaiting the
// relay is reflected as a failed status.
func (m *RelayMonitor) release(gen uint64, err error) {
	m.mu.Lock()
	if m.gen.Load() != gen || !m.state.Active {
		m.mu.Unlock()
		return
	}
	m.state.Status = chain.RelayFailed
	m.state.Error = err.Error()
	m.notifyLocked(true)
	subErr := &SubscriptionError{Op: "track relay", Err: err}
	m.finishLocked(subErr)
	m.deps.Relays.CancelRelayTracking(m.state.RelayID)
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorOutcome(string(KindRelay), string(chain.RelayFailed))
	if m.opts.OnError != nil {
		m.opts.OnError(subErr)
	}
}

func (m *RelayMonitor) stopLocked(reason error) {
	m.gen.Inc()
	if !m.state.Active {
		return
	}
	m.finishLocked(reason)
	m.deps.Relays.CancelRelayTracking(m.state.RelayID)
	m.deps.Metrics.RecordMonitorOutcome(string(KindRelay), "stopped")
	m.deps.Logger.Info("relay monitor stopped", "relay_id", m.state.RelayID)
}

func (m *RelayMonitor) finishLocked(err error) {
	m.state.Active = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.done != nil {
		m.done.resolve(m.state, err)
	}
	m.deps.Metrics.RecordMonitorStopped(string(KindRelay))
}
