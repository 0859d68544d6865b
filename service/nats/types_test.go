package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tipwatch/service/chain"
)

const testHash = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"

func TestSubjects(t *testing.T) {
	subject, err := TransactionSubject(8453, testHash)
	require.NoError(t, err)
	assert.Equal(t, "tipwatch.tx.8453."+testHash, subject)

	subject, err = BalanceSubject(8453, "0xabc", "")
	require.NoError(t, err)
	assert.Equal(t, "tipwatch.balance.8453.0xabc.native", subject)

	subject, err = BalanceSubject(8453, "0xabc", "0xdef")
	require.NoError(t, err)
	assert.Equal(t, "tipwatch.balance.8453.0xabc.0xdef", subject)

	subject, err = RelaySubject("r1")
	require.NoError(t, err)
	assert.Equal(t, "tipwatch.relay.r1", subject)
}

func TestSubjects_RejectBadTokens(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (string, error)
	}{
		{"empty hash", func() (string, error) { return TransactionSubject(1, "") }},
		{"dotted hash", func() (string, error) { return TransactionSubject(1, "0xab.cd") }},
		{"wildcard address", func() (string, error) { return BalanceSubject(1, "*", "") }},
		{"tail wildcard token", func() (string, error) { return BalanceSubject(1, "0xabc", ">") }},
		{"space in relay id", func() (string, error) { return RelaySubject("r 1") }},
		{"empty relay id", func() (string, error) { return RelaySubject("") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			assert.Error(t, err)
		})
	}
}

func TestTransactionStatusEvent(t *testing.T) {
	ev := &TransactionStatusEvent{
		TxHash:  testHash,
		ChainID: 1,
		Status:  chain.TxConfirmed,
		Receipt: &chain.Receipt{TxHash: testHash, BlockNumber: 42, Success: true},
	}
	require.NoError(t, ev.Validate())

	u := ev.Update()
	assert.Equal(t, chain.TxConfirmed, u.Status)
	require.NotNil(t, u.Receipt)
	assert.Equal(t, uint64(42), u.Receipt.BlockNumber)

	ev.Status = "mined"
	assert.Error(t, ev.Validate())
}

func TestBalanceEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := &BalanceEvent{ChainID: 8453, Address: "0xabc", Balance: "1500000", PreviousBalance: "1000000", Timestamp: ts}
	require.NoError(t, ev.Validate())

	u := ev.Update()
	assert.Equal(t, "1500000", u.Balance)
	assert.Equal(t, "1000000", u.PreviousBalance)
	assert.Equal(t, ts, u.Timestamp)
	assert.NoError(t, u.Err)

	failed := &BalanceEvent{ChainID: 8453, Address: "0xabc", Error: "rpc unavailable"}
	require.NoError(t, failed.Validate())
	u = failed.Update()
	require.Error(t, u.Err)
	assert.Equal(t, "rpc unavailable", u.Err.Error())

	empty := &BalanceEvent{ChainID: 8453, Address: "0xabc"}
	assert.Error(t, empty.Validate())
}

func TestRelayStatusEvent(t *testing.T) {
	ev := &RelayStatusEvent{RelayID: "r1", Status: chain.RelayRelaying, Progress: 60}
	require.NoError(t, ev.Validate())
	assert.Equal(t, 60, ev.Update().Progress)

	ev.Progress = 101
	assert.Error(t, ev.Validate())

	ev.Progress = 50
	ev.Status = "bridging"
	assert.Error(t, ev.Validate())
}

func TestMockPublisher(t *testing.T) {
	ctx := t.Context()
	pub := NewMockPublisher()

	require.NoError(t, pub.PublishTransactionStatus(ctx, &TransactionStatusEvent{TxHash: testHash, ChainID: 1, Status: chain.TxPending}))
	require.NoError(t, pub.PublishBalance(ctx, &BalanceEvent{ChainID: 1, Address: "0xabc", Balance: "1"}))
	require.NoError(t, pub.PublishRelayStatus(ctx, &RelayStatusEvent{RelayID: "r1", Status: chain.RelayPending}))
	assert.Equal(t, 3, pub.GetPublishedEventCount())

	assert.Error(t, pub.PublishRelayStatus(ctx, &RelayStatusEvent{RelayID: "r.1", Status: chain.RelayPending}))
	assert.Len(t, pub.GetRelayEvents(), 1)

	pub.SetPublishError(assert.AnError)
	assert.ErrorIs(t, pub.PublishBalance(ctx, &BalanceEvent{ChainID: 1, Address: "0xabc", Balance: "2"}), assert.AnError)

	require.NoError(t, pub.Close())
	assert.True(t, pub.IsClosed())

	pub.Reset()
	assert.Zero(t, pub.GetPublishedEventCount())
	assert.False(t, pub.IsClosed())
}
