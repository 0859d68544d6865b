package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/notify"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type testEnv struct {
	deps  Deps
	sdk   *chain.MockSDK
	store *notify.Store
	clock *clock.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	sdk := chain.NewMockSDK()
	store := notify.NewStore(notify.WithClock(mock), notify.WithMaxNotifications(10))
	t.Cleanup(store.Close)

	return &testEnv{
		deps: Deps{
			Chains:       chain.DefaultRegistry(),
			Transactions: sdk,
			Balances:     sdk,
			Relays:       sdk,
			Notifier:     store,
			Clock:        mock,
		},
		sdk:   sdk,
		store: store,
		clock: mock,
	}
}

// txHash returns a well-formed 32-byte EVM transaction hash built from b.
func txHash(b byte) string {
	return "0x" + strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

// recorder collects callback invocations from monitor goroutines.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// gate holds a collaborator call open until the test releases it.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) pass() {
	g.entered <- struct{}{}
	<-g.release
}

// gatedSDK is a MockSDK whose subscribe calls block on a gate.
type gatedSDK struct {
	*chain.MockSDK
	gate *gate
}

func (g *gatedSDK) WatchTransaction(ctx context.Context, txHash string, c *chain.Chain) (<-chan chain.TransactionUpdate, error) {
	g.gate.pass()
	return g.MockSDK.WatchTransaction(ctx, txHash, c)
}

func (g *gatedSDK) WatchBalance(ctx context.Context, address string, c *chain.Chain, token string, pollInterval time.Duration) (string, <-chan chain.BalanceUpdate, error) {
	g.gate.pass()
	return g.MockSDK.WatchBalance(ctx, address, c, token, pollInterval)
}

func (g *gatedSDK) TrackRelay(ctx context.Context, relayID string, src, dst *chain.Chain, sourceTxHash string, maxWait time.Duration) (<-chan chain.RelayUpdate, error) {
	g.gate.pass()
	return g.MockSDK.TrackRelay(ctx, relayID, src, dst, sourceTxHash, maxWait)
}

// gated routes every subscribe call of env through a new gate.
func (e *testEnv) gated() *gate {
	g := newGate()
	sdk := &gatedSDK{MockSDK: e.sdk, gate: g}
	e.deps.Transactions = sdk
	e.deps.Balances = sdk
	e.deps.Relays = sdk
	return g
}

// returnsPromptly fails the test if fn blocks.
func returnsPromptly(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("%s blocked while a subscription was opening", what)
	}
}
