// Package monitor mirrors externally driven operations (transactions, balances and
// cross-chain relays) into local state and a shared notification feed.
//
// Every monitor holds at most one open subscription. Each Start or Stop bumps a
// generation counter; the goroutine consuming a subscription captures its generation
// and applies an update only while the generation is still current, so updates from a
// cancelled subscription are never applied to state keyed by a newer one.
package monitor

import (
	"io"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/metrics"
	"github.com/brojonat/tipwatch/service/notify"
)

// Kind names a monitor variant.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindBalance     Kind = "balance"
	KindRelay       Kind = "relay"
)

// Notifier is the notification sink monitors write into. *notify.Store satisfies it.
type Notifier interface {
	Add(n notify.Notification) string
	Update(id string, u notify.Update)
}

// Monitor is the common surface of every monitor variant.
type Monitor interface {
	Kind() Kind
	// State returns a copy of the monitor's current state.
	State() any
	Stop()
}

// Deps are the collaborators shared by monitors. Only the collaborators a monitor
// variant uses need to be set.
type Deps struct {
	Chains       chain.Resolver
	Transactions chain.TransactionWatcher
	Balances     chain.BalanceWatcher
	Relays       chain.RelayTracker
	Notifier     Notifier
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return d
}

func (d Deps) resolve(chainID int64) (*chain.Chain, error) {
	if d.Chains == nil {
		return nil, &UnsupportedChainError{ChainID: chainID}
	}
	c, ok := d.Chains.ResolveChain(chainID)
	if !ok {
		return nil, &UnsupportedChainError{ChainID: chainID}
	}
	return c, nil
}

// completion resolves once per subscription with the terminal value or error.
type completion[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newCompletion[T any]() *completion[T] {
	return &completion[T]{done: make(chan struct{})}
}

func (c *completion[T]) resolve(v T, err error) {
	c.once.Do(func() {
		c.value = v
		c.err = err
		close(c.done)
	})
}

func ptr[T any](v T) *T { return &v }
