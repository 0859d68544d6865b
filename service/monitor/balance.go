package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/notify"
)

const (
	DefaultPollInterval              = 10 * time.Second
	DefaultChangeThreshold           = 0.01
	DefaultRefreshMaxWait            = 30 * time.Second
	DefaultBalanceNotificationExpiry = 5 * time.Second
)

// BalanceState is a snapshot of a BalanceMonitor. Balance and PreviousBalance are
// formatted decimal strings; RawBalance is the smallest-unit integer string.
type BalanceState struct {
	Address         string    `json:"address"`
	ChainID         int64     `json:"chain_id"`
	Token           string    `json:"token,omitempty"`
	Symbol          string    `json:"symbol,omitempty"`
	Decimals        int       `json:"decimals"`
	Balance         string    `json:"balance,omitempty"`
	PreviousBalance string    `json:"previous_balance,omitempty"`
	RawBalance      string    `json:"raw_balance,omitempty"`
	LastUpdated     time.Time `json:"last_updated"`
	Error           string    `json:"error,omitempty"`
	Active          bool      `json:"active"`
}

// BalanceOptions configures a BalanceMonitor.
type BalanceOptions struct {
	PollInterval time.Duration
	// Threshold is the relative change that counts as significant. Defaults to 0.01.
	Threshold        float64
	NotifyOnIncrease bool
	NotifyOnDecrease bool
	// Decimals overrides the decimals resolved from the chain registry.
	Decimals *int
	// RefreshMaxWait bounds RefreshAfterTransaction when no wait is given. Defaults to 30s.
	RefreshMaxWait     time.Duration
	NotificationExpiry time.Duration

	OnUpdate func(BalanceState)
	OnError  func(error)
}

// BalanceMonitor polls one account balance and notifies about significant changes.
// State follows every poll; only notifications are gated by significance.
type BalanceMonitor struct {
	deps Deps
	opts BalanceOptions
	gen  atomic.Uint64

	mu         sync.Mutex
	state      BalanceState
	chain      *chain.Chain
	watcherKey string
	cancel     context.CancelFunc
}

// NewBalanceMonitor creates an idle monitor.
func NewBalanceMonitor(deps Deps, opts BalanceOptions) *BalanceMonitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultChangeThreshold
	}
	if opts.RefreshMaxWait <= 0 {
		opts.RefreshMaxWait = DefaultRefreshMaxWait
	}
	if opts.NotificationExpiry <= 0 {
		opts.NotificationExpiry = DefaultBalanceNotificationExpiry
	}
	return &BalanceMonitor{deps: deps.withDefaults(), opts: opts}
}

func (m *BalanceMonitor) Kind() Kind { return KindBalance }

func (m *BalanceMonitor) State() any { return m.Snapshot() }

// Snapshot returns a copy of the current state.
func (m *BalanceMonitor) Snapshot() BalanceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens a polling watch on (address, chainID, token). An empty token watches the
// native asset. Calling Start again with the same key while active is a no-op; a
// different key stops the current watch first. ErrStopped is returned when Stop or
// another Start wins the race with the opening watch.
func (m *BalanceMonitor) Start(ctx context.Context, address string, chainID int64, token string) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidParams)
	}

	c, err := m.deps.resolve(chainID)
	if err != nil {
		m.report(err)
		return err
	}
	if err := c.ValidateAddress(address); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidParams, err)
		m.report(err)
		return err
	}

	decimals, symbol, ok := c.DecimalsFor(token)
	if m.opts.Decimals != nil {
		decimals, ok = *m.opts.Decimals, true
	}
	if !ok {
		err := fmt.Errorf("%w: unknown token %s on %s, set decimals explicitly", ErrInvalidParams, token, c.Name)
		m.report(err)
		return err
	}

	m.mu.Lock()
	if m.state.Active && m.state.Address == address && m.state.ChainID == chainID && m.state.Token == token {
		m.mu.Unlock()
		return nil
	}
	m.stopLocked()
	gen := m.gen.Inc()
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	key, updates, err := m.deps.Balances.WatchBalance(subCtx, address, c, token, m.opts.PollInterval)
	if err != nil {
		cancel()
		err = &SubscriptionError{Op: "watch balance", Err: err}
		m.deps.Logger.Error("failed to open balance watch", "address", address, "chain_id", chainID, "error", err)
		m.report(err)
		return err
	}

	m.mu.Lock()
	if m.gen.Load() != gen {
		// Stopped or restarted while the watch was opening.
		m.mu.Unlock()
		cancel()
		m.deps.Balances.CancelBalanceWatch(key)
		return ErrStopped
	}

	m.state = BalanceState{
		Address:  address,
		ChainID:  chainID,
		Token:    token,
		Symbol:   symbol,
		Decimals: decimals,
		Active:   true,
	}
	m.chain = c
	m.watcherKey = key
	m.cancel = cancel
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorStarted(string(KindBalance))
	m.deps.Logger.Info("balance monitor started",
		"address", address, "chain_id", chainID, "token", token, "watcher_key", key, "poll_interval", m.opts.PollInterval)

	go m.consume(subCtx, gen, updates)
	return nil
}

// Stop cancels the poll subscription. It is idempotent.
func (m *BalanceMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// RefreshBalance reads the balance once, bypassing any cache, and returns the formatted
// value. It never emits a change notification.
func (m *BalanceMonitor) RefreshBalance(ctx context.Context) (string, error) {
	gen, st, c, err := m.scope()
	if err != nil {
		return "", err
	}

	raw, err := m.deps.Balances.GetBalance(ctx, st.Address, c, st.Token, false)
	if err != nil {
		err = &SubscriptionError{Op: "refresh balance", Err: err}
		m.recordError(gen, err)
		return "", err
	}
	return m.applyRefresh(gen, st.Decimals, chain.BalanceUpdate{Balance: raw, Timestamp: m.deps.Clock.Now()})
}

// RefreshAfterTransaction waits for txHash to settle and re-reads the balance. maxWait
// bounds the wait and defaults to RefreshMaxWait; honoring it is the watcher's job. It
// never emits a change notification.
func (m *BalanceMonitor) RefreshAfterTransaction(ctx context.Context, txHash string, maxWait time.Duration) (string, error) {
	if txHash == "" {
		return "", fmt.Errorf("%w: transaction hash is required", ErrInvalidParams)
	}
	if maxWait <= 0 {
		maxWait = m.opts.RefreshMaxWait
	}
	gen, st, c, err := m.scope()
	if err != nil {
		return "", err
	}

	u, err := m.deps.Balances.RefreshBalanceAfterTransaction(ctx, txHash, st.Address, c, st.Token, maxWait)
	if err != nil {
		err = &SubscriptionError{Op: "refresh balance after transaction", Err: err}
		m.recordError(gen, err)
		return "", err
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = m.deps.Clock.Now()
	}
	return m.applyRefresh(gen, st.Decimals, u)
}

func (m *BalanceMonitor) scope() (uint64, BalanceState, *chain.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chain == nil || m.state.Address == "" {
		return 0, BalanceState{}, nil, ErrNotStarted
	}
	return m.gen.Load(), m.state, m.chain, nil
}

func (m *BalanceMonitor) applyRefresh(gen uint64, decimals int, u chain.BalanceUpdate) (string, error) {
	formatted, err := FormatUnits(u.Balance, decimals)
	if err != nil {
		err = fmt.Errorf("failed to format balance: %w", err)
		m.recordError(gen, err)
		return "", err
	}

	m.mu.Lock()
	if m.gen.Load() != gen {
		// Rescoped while the read was in flight; the value belongs to the old key.
		m.mu.Unlock()
		return formatted, nil
	}
	m.recordLocked(u)
	snapshot := m.state
	m.mu.Unlock()

	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(snapshot)
	}
	return formatted, nil
}

func (m *BalanceMonitor) consume(ctx context.Context, gen uint64, updates <-chan chain.BalanceUpdate) {
	for {
		select {
		case <-ctx.Done():
			m.release(gen)
			return
		case u := <-updates:
			if !m.apply(gen, u) {
				return
			}
		}
	}
}

// apply mirrors one poll into state and, when the change is significant, into a
// notification. It returns false once the subscription is stale.
func (m *BalanceMonitor) apply(gen uint64, u chain.BalanceUpdate) bool {
	if u.Err != nil {
		err := &SubscriptionError{Op: "poll balance", Err: u.Err}
		if !m.recordError(gen, err) {
			return false
		}
		m.deps.Logger.Warn("balance poll failed", "error", u.Err)
		return true
	}

	m.mu.Lock()
	if m.gen.Load() != gen || !m.state.Active {
		m.mu.Unlock()
		return false
	}
	if _, err := FormatUnits(u.Balance, m.state.Decimals); err != nil {
		m.mu.Unlock()
		m.recordError(gen, fmt.Errorf("failed to format balance: %w", err))
		return true
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = m.deps.Clock.Now()
	}

	prevRaw, hadPrev := m.recordLocked(u)
	if hadPrev {
		m.notifyChangeLocked(prevRaw, m.state.PreviousBalance, u.Balance, m.state.Balance)
	}
	snapshot := m.state
	m.mu.Unlock()

	m.deps.Metrics.RecordMonitorUpdate(string(KindBalance), "poll")
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(snapshot)
	}
	return true
}

// recordLocked replaces the balance, moving the prior value into PreviousBalance.
// It returns the prior raw balance and whether one existed.
func (m *BalanceMonitor) recordLocked(u chain.BalanceUpdate) (string, bool) {
	prevRaw := m.state.RawBalance
	hadPrev := prevRaw != ""

	formatted, _ := FormatUnits(u.Balance, m.state.Decimals)
	switch {
	case hadPrev:
		m.state.PreviousBalance = m.state.Balance
	case u.PreviousBalance != "":
		if prev, err := FormatUnits(u.PreviousBalance, m.state.Decimals); err == nil {
			m.state.PreviousBalance = prev
		}
	}
	m.state.Balance = formatted
	m.state.RawBalance = u.Balance
	m.state.LastUpdated = u.Timestamp
	m.state.Error = ""
	return prevRaw, hadPrev
}

func (m *BalanceMonitor) notifyChangeLocked(prevRaw, prevFormatted, newRaw, newFormatted string) {
	if m.deps.Notifier == nil || !IsSignificantChange(prevFormatted, newFormatted, m.opts.Threshold) {
		return
	}
	oldV, _ := new(big.Int).SetString(prevRaw, 10)
	newV, _ := new(big.Int).SetString(newRaw, 10)
	if oldV == nil || newV == nil {
		return
	}
	delta := new(big.Int).Sub(newV, oldV)

	var n notify.Notification
	switch {
	case delta.Sign() > 0 && m.opts.NotifyOnIncrease:
		amount, _ := FormatUnits(delta.String(), m.state.Decimals)
		n = notify.Notification{
			Kind:    notify.KindSuccess,
			Title:   "Balance Increased",
			Message: fmt.Sprintf("+%s %s (now %s)", amount, m.state.Symbol, newFormatted),
		}
	case delta.Sign() < 0 && m.opts.NotifyOnDecrease:
		amount, _ := FormatUnits(new(big.Int).Neg(delta).String(), m.state.Decimals)
		n = notify.Notification{
			Kind:    notify.KindInfo,
			Title:   "Balance Decreased",
			Message: fmt.Sprintf("-%s %s (now %s)", amount, m.state.Symbol, newFormatted),
		}
	default:
		return
	}
	n.ChainID = m.state.ChainID
	n.Expiry = m.opts.NotificationExpiry
	id := m.deps.Notifier.Add(n)
	m.deps.Logger.Info("balance change notified",
		"address", m.state.Address, "chain_id", m.state.ChainID, "previous", prevFormatted, "balance", newFormatted, "notification_id", id)
}

// recordError surfaces err in state and through OnError. It returns false when the
// generation is stale.
func (m *BalanceMonitor) recordError(gen uint64, err error) bool {
	m.mu.Lock()
	if m.gen.Load() != gen {
		m.mu.Unlock()
		return false
	}
	m.state.Error = err.Error()
	m.mu.Unlock()

	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
	return true
}

// report surfaces an error that prevented a watch from opening without touching the
// state of the current subscription.
func (m *BalanceMonitor) report(err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *BalanceMonitor) release(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != gen {
		return
	}
	m.stopLocked()
}

func (m *BalanceMonitor) stopLocked() {
	m.gen.Inc()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if !m.state.Active {
		return
	}
	m.state.Active = false
	m.deps.Balances.CancelBalanceWatch(m.watcherKey)
	m.deps.Metrics.RecordMonitorStopped(string(KindBalance))
	m.deps.Metrics.RecordMonitorOutcome(string(KindBalance), "stopped")
	m.deps.Logger.Info("balance monitor stopped", "address", m.state.Address, "chain_id", m.state.ChainID, "watcher_key", m.watcherKey)
}
