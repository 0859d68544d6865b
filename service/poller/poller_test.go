package poller

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tipwatch/service/chain"
	natspkg "github.com/brojonat/tipwatch/service/nats"
)

const (
	testHash    = "0xabababababababababababababababababababababababababababababababab"
	testAddress = "0x1111111111111111111111111111111111111111"
	testUSDC    = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
)

// fakeReader returns scripted readings. The last entry of each script repeats.
type fakeReader struct {
	mu         sync.Mutex
	balances   []string
	balanceErr error
	statuses   []chain.TransactionUpdate
	txErr      error

	balanceCalls int
	txCalls      int
	lastAddress  string
	lastToken    string
}

func (r *fakeReader) Balance(ctx context.Context, address, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAddress, r.lastToken = address, token
	i := r.balanceCalls
	r.balanceCalls++
	if r.balanceErr != nil {
		return "", r.balanceErr
	}
	if i >= len(r.balances) {
		i = len(r.balances) - 1
	}
	return r.balances[i], nil
}

func (r *fakeReader) TransactionStatus(ctx context.Context, txHash string) (chain.TransactionUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.txCalls
	r.txCalls++
	if r.txErr != nil {
		return chain.TransactionUpdate{}, r.txErr
	}
	if i >= len(r.statuses) {
		i = len(r.statuses) - 1
	}
	return r.statuses[i], nil
}

func (r *fakeReader) setBalanceErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balanceErr = err
}

func (r *fakeReader) calls() (balance, tx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balanceCalls, r.txCalls
}

type reply struct {
	subject string
	data    []byte
}

// fakeBus records subscriptions and captures replies.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]nats.MsgHandler
	queues   map[string]string
	replies  chan reply
	subErr   error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string]nats.MsgHandler),
		queues:   make(map[string]string),
		replies:  make(chan reply, 16),
	}
}

func (b *fakeBus) Subscribe(subject, queue string, handler nats.MsgHandler) (func() error, error) {
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	b.queues[subject] = queue
	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, subject)
		return nil
	}, nil
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.replies <- reply{subject: subject, data: data}
	return nil
}

func (b *fakeBus) deliver(t *testing.T, subject string, v any, replyTo string) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	b.mu.Lock()
	h, ok := b.handlers[subject]
	b.mu.Unlock()
	require.True(t, ok, "no handler for %s", subject)
	h(&nats.Msg{Subject: subject, Data: data, Reply: replyTo})
}

func (b *fakeBus) request(t *testing.T, subject string, v any) natspkg.BalanceReply {
	t.Helper()
	b.deliver(t, subject, v, "_INBOX.test")
	select {
	case r := <-b.replies:
		assert.Equal(t, "_INBOX.test", r.subject)
		var out natspkg.BalanceReply
		require.NoError(t, json.Unmarshal(r.data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply on %s", subject)
		return natspkg.BalanceReply{}
	}
}

func newTestPoller(t *testing.T, readers map[int64]Reader, opts ...Option) (*Poller, *natspkg.MockPublisher, *fakeBus) {
	t.Helper()
	pub := natspkg.NewMockPublisher()
	p, err := New(pub, chain.DefaultRegistry(), readers, opts...)
	require.NoError(t, err)

	bus := newFakeBus()
	require.NoError(t, p.start(context.Background(), bus))
	t.Cleanup(p.stop)
	return p, pub, bus
}

// advanceUntil moves the mock clock one step at a time until cond holds.
func advanceUntil(t *testing.T, clk *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		clk.Add(step)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStart_Subscriptions(t *testing.T) {
	_, _, bus := newTestPoller(t, nil)

	assert.Equal(t, QueueGroup, bus.queues[natspkg.SubjectTxWatch])
	assert.Equal(t, QueueGroup, bus.queues[natspkg.SubjectBalanceWatch])
	assert.Equal(t, QueueGroup, bus.queues[natspkg.SubjectBalanceGet])
	assert.Equal(t, QueueGroup, bus.queues[natspkg.SubjectBalanceRefresh])
	assert.Empty(t, bus.queues[natspkg.SubjectTxUnwatch], "every poller must see unwatch")
	assert.Empty(t, bus.queues[natspkg.SubjectBalanceUnwatch], "every poller must see unwatch")
}

func TestStart_SubscribeError(t *testing.T) {
	p, err := New(natspkg.NewMockPublisher(), chain.DefaultRegistry(), nil)
	require.NoError(t, err)

	bus := newFakeBus()
	bus.subErr = errors.New("connection closed")
	err = p.start(context.Background(), bus)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe to "+natspkg.SubjectTxWatch)
}

func TestTransactionWatch_PublishesChangesUntilTerminal(t *testing.T) {
	clk := clock.NewMock()
	reader := &fakeReader{statuses: []chain.TransactionUpdate{
		{Status: chain.TxPending},
		{Status: chain.TxPending},
		{Status: chain.TxConfirmed, Receipt: &chain.Receipt{TxHash: testHash, BlockNumber: 42, Success: true}},
	}}
	p, pub, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader},
		WithClock(clk), WithTxPollInterval(4*time.Second))

	bus.deliver(t, natspkg.SubjectTxWatch, natspkg.TransactionWatchRequest{ChainID: chain.Base, TxHash: testHash}, "")

	require.Eventually(t, func() bool { return len(pub.GetTransactionEvents()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, chain.TxPending, pub.GetTransactionEvents()[0].Status)
	assert.Equal(t, 1, p.ActiveWatches())

	advanceUntil(t, clk, 4*time.Second, func() bool { return len(pub.GetTransactionEvents()) == 2 })

	events := pub.GetTransactionEvents()
	assert.Equal(t, chain.TxConfirmed, events[1].Status)
	assert.Equal(t, testHash, events[1].TxHash)
	assert.Equal(t, chain.Base, events[1].ChainID)
	require.NotNil(t, events[1].Receipt)
	assert.Equal(t, uint64(42), events[1].Receipt.BlockNumber)

	require.Eventually(t, func() bool { return p.ActiveWatches() == 0 }, time.Second, 5*time.Millisecond)
	_, txCalls := reader.calls()
	assert.Equal(t, 3, txCalls, "the repeated pending reading is not republished")
}

func TestTransactionWatch_ReferenceCountedUnwatch(t *testing.T) {
	clk := clock.NewMock()
	reader := &fakeReader{statuses: []chain.TransactionUpdate{{Status: chain.TxPending}}}
	p, pub, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader}, WithClock(clk))

	req := natspkg.TransactionWatchRequest{ChainID: chain.Base, TxHash: testHash}
	bus.deliver(t, natspkg.SubjectTxWatch, req, "")
	bus.deliver(t, natspkg.SubjectTxWatch, req, "")
	assert.Equal(t, 1, p.ActiveWatches())

	// Cancels carry the hash as the caller spelled it.
	unwatch := natspkg.TransactionUnwatchRequest{ChainID: chain.Base, TxHash: "0x" + strings.ToUpper(testHash[2:])}
	bus.deliver(t, natspkg.SubjectTxUnwatch, unwatch, "")
	assert.Equal(t, 1, p.ActiveWatches(), "one watcher remains")

	bus.deliver(t, natspkg.SubjectTxUnwatch, unwatch, "")
	require.Eventually(t, func() bool { return p.ActiveWatches() == 0 }, time.Second, 5*time.Millisecond)

	// Unwatch for a transaction this poller never saw is ignored.
	bus.deliver(t, natspkg.SubjectTxUnwatch, unwatch, "")
	assert.LessOrEqual(t, len(pub.GetTransactionEvents()), 1)
}

func TestTransactionWatch_Refused(t *testing.T) {
	reader := &fakeReader{statuses: []chain.TransactionUpdate{{Status: chain.TxPending}}}
	p, pub, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader})

	bus.deliver(t, natspkg.SubjectTxWatch, natspkg.TransactionWatchRequest{ChainID: 5, TxHash: testHash}, "")
	bus.deliver(t, natspkg.SubjectTxWatch, natspkg.TransactionWatchRequest{ChainID: chain.Ethereum, TxHash: testHash}, "")

	assert.Equal(t, 0, p.ActiveWatches())
	assert.Equal(t, 0, pub.GetPublishedEventCount())
}

func TestTransactionWatch_GivesUpAfterTTL(t *testing.T) {
	clk := clock.NewMock()
	reader := &fakeReader{statuses: []chain.TransactionUpdate{{Status: chain.TxPending}}}
	p, pub, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader},
		WithClock(clk), WithTxPollInterval(4*time.Second), WithTxWatchTTL(10*time.Second))

	bus.deliver(t, natspkg.SubjectTxWatch, natspkg.TransactionWatchRequest{ChainID: chain.Base, TxHash: testHash}, "")
	require.Eventually(t, func() bool { return p.ActiveWatches() == 1 }, time.Second, 5*time.Millisecond)

	advanceUntil(t, clk, 4*time.Second, func() bool { return p.ActiveWatches() == 0 })
	assert.Len(t, pub.GetTransactionEvents(), 1)
}

func TestTransactionWatch_PollErrorsKeepPolling(t *testing.T) {
	clk := clock.NewMock()
	reader := &fakeReader{txErr: errors.New("429 Too Many Requests")}
	p, pub, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader}, WithClock(clk))

	bus.deliver(t, natspkg.SubjectTxWatch, natspkg.TransactionWatchRequest{ChainID: chain.Base, TxHash: testHash}, "")
	advanceUntil(t, clk, DefaultTxPollInterval, func() bool {
		_, n := reader.calls()
		return n >= 3
	})
	assert.Equal(t, 1, p.ActiveWatches())
	assert.Equal(t, 0, pub.GetPublishedEventCount())
}

func TestBalanceWatch_PublishesChanges(t *testing.T) {
	clk := clock.NewMock()
	reader := &fakeReader{balances: []string{"100", "100", "150"}}
	p, pub, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader}, WithClock(clk))

	bus.deliver(t, natspkg.SubjectBalanceWatch, natspkg.BalanceWatchRequest{
		Key:            "balance-1",
		ChainID:        chain.Base,
		Address:        "0x1111111111111111111111111111111111111111",
		Token:          "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PollIntervalMS: 10,
	}, "")

	require.Eventually(t, func() bool { return len(pub.GetBalanceEvents()) == 1 }, time.Second, 5*time.Millisecond)
	first := pub.GetBalanceEvents()[0]
	assert.Equal(t, "100", first.Balance)
	assert.Empty(t, first.PreviousBalance)
	assert.Equal(t, testUSDC, first.Token, "identifiers are canonicalized")

	// Intervals below the floor are raised to one second.
	advanceUntil(t, clk, time.Second, func() bool { return len(pub.GetBalanceEvents()) == 2 })
	second := pub.GetBalanceEvents()[1]
	assert.Equal(t, "150", second.Balance)
	assert.Equal(t, "100", second.PreviousBalance)

	reader.setBalanceErr(errors.New("rpc unavailable"))
	advanceUntil(t, clk, time.Second, func() bool { return len(pub.GetBalanceEvents()) == 3 })
	assert.Equal(t, "rpc unavailable", pub.GetBalanceEvents()[2].Error)
	assert.Equal(t, 1, p.ActiveWatches(), "poll errors don't stop the watch")

	bus.deliver(t, natspkg.SubjectBalanceUnwatch, natspkg.BalanceUnwatchRequest{Key: "balance-1"}, "")
	require.Eventually(t, func() bool { return p.ActiveWatches() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBalanceWatch_RequiresKey(t *testing.T) {
	reader := &fakeReader{balances: []string{"1"}}
	p, _, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader})

	bus.deliver(t, natspkg.SubjectBalanceWatch, natspkg.BalanceWatchRequest{ChainID: chain.Base, Address: testAddress}, "")
	assert.Equal(t, 0, p.ActiveWatches())
}

func TestBalanceGet(t *testing.T) {
	reader := &fakeReader{balances: []string{"100", "250"}}
	_, _, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader})

	got := bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: chain.Base, Address: testAddress})
	assert.Empty(t, got.Error)
	assert.Equal(t, "100", got.Balance)
	assert.False(t, got.Timestamp.IsZero())

	got = bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: chain.Base, Address: testAddress})
	assert.Equal(t, "250", got.Balance)
	assert.Equal(t, "100", got.PreviousBalance)

	got = bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: chain.Base, Address: testAddress, UseCache: true})
	assert.Equal(t, "250", got.Balance)
	calls, _ := reader.calls()
	assert.Equal(t, 2, calls, "cached reading is served without a read")
}

func TestBalanceGet_Errors(t *testing.T) {
	reader := &fakeReader{balanceErr: errors.New("execution timeout")}
	_, _, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader})

	got := bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: 5, Address: testAddress})
	assert.Equal(t, "unsupported chain: 5", got.Error)

	got = bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: chain.Solana, Address: testAddress})
	assert.Contains(t, got.Error, "no reader configured for Solana")

	got = bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: chain.Base, Address: testAddress})
	assert.Contains(t, got.Error, "failed to read balance: execution timeout")

	got = bus.request(t, natspkg.SubjectBalanceGet, "not an object")
	assert.Contains(t, got.Error, "invalid balance request")
}

func TestBalanceRefresh_AfterSettlement(t *testing.T) {
	reader := &fakeReader{
		balances: []string{"100", "175"},
		statuses: []chain.TransactionUpdate{{Status: chain.TxConfirmed}},
	}
	_, _, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader}, WithClock(clock.NewMock()))

	bus.request(t, natspkg.SubjectBalanceGet, natspkg.BalanceRequest{ChainID: chain.Base, Address: testAddress})

	got := bus.request(t, natspkg.SubjectBalanceRefresh, natspkg.RefreshRequest{
		TxHash:    testHash,
		ChainID:   chain.Base,
		Address:   testAddress,
		MaxWaitMS: 30_000,
	})
	assert.Empty(t, got.Error)
	assert.Equal(t, "175", got.Balance)
	assert.Equal(t, "100", got.PreviousBalance)

	_, txCalls := reader.calls()
	assert.Equal(t, 1, txCalls)
}

func TestBalanceRefresh_ReadsAfterWaitRunsOut(t *testing.T) {
	reader := &fakeReader{
		balances: []string{"100"},
		statuses: []chain.TransactionUpdate{{Status: chain.TxPending}},
	}
	_, _, bus := newTestPoller(t, map[int64]Reader{chain.Base: reader}, WithTxPollInterval(5*time.Millisecond))

	start := time.Now()
	got := bus.request(t, natspkg.SubjectBalanceRefresh, natspkg.RefreshRequest{
		TxHash:    testHash,
		ChainID:   chain.Base,
		Address:   testAddress,
		MaxWaitMS: 100,
	})
	assert.Empty(t, got.Error)
	assert.Equal(t, "100", got.Balance)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	_, txCalls := reader.calls()
	assert.Greater(t, txCalls, 1)
}

func TestStop_EndsRunningWatches(t *testing.T) {
	pub := natspkg.NewMockPublisher()
	reader := &fakeReader{statuses: []chain.TransactionUpdate{{Status: chain.TxPending}}}
	p, err := New(pub, chain.DefaultRegistry(), map[int64]Reader{chain.Base: reader}, WithClock(clock.NewMock()))
	require.NoError(t, err)

	bus := newFakeBus()
	require.NoError(t, p.start(context.Background(), bus))
	bus.deliver(t, natspkg.SubjectTxWatch, natspkg.TransactionWatchRequest{ChainID: chain.Base, TxHash: testHash}, "")

	p.stop()
	assert.Equal(t, 0, p.ActiveWatches())
	assert.Empty(t, bus.handlers)
}
