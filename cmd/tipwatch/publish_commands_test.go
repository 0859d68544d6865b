package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tipwatch/service/chain"
	natspkg "github.com/brojonat/tipwatch/service/nats"
)

func useMockPublisher(t *testing.T) *natspkg.MockPublisher {
	t.Helper()
	mock := natspkg.NewMockPublisher()
	orig := newPublisher
	newPublisher = func(natsURL string, logger *slog.Logger) (natspkg.Publisher, error) {
		assert.Equal(t, "nats://example:4222", natsURL)
		return mock, nil
	}
	t.Cleanup(func() { newPublisher = orig })
	return mock
}

func publish(args ...string) (string, error) {
	return run("http://127.0.0.1:1", append([]string{"--nats-url", "nats://example:4222", "publish"}, args...)...)
}

func TestPublishTransaction(t *testing.T) {
	mock := useMockPublisher(t)
	mixed := "0xABABABABABABABABABABABABABABABABABABABABABABABABABABABABABABABAB"

	out, err := publish("tx", "--chain", "8453", "--block", "99", mixed)
	require.NoError(t, err)
	assert.Contains(t, out, "Published to tipwatch.tx.8453."+testHash)

	events := mock.GetTransactionEvents()
	require.Len(t, events, 1)
	assert.Equal(t, testHash, events[0].TxHash)
	assert.Equal(t, chain.TxConfirmed, events[0].Status)
	require.NotNil(t, events[0].Receipt)
	assert.Equal(t, uint64(99), events[0].Receipt.BlockNumber)
	assert.True(t, events[0].Receipt.Success)
	assert.True(t, mock.IsClosed())
}

func TestPublishTransaction_Invalid(t *testing.T) {
	mock := useMockPublisher(t)

	_, err := publish("tx", "--chain", "8453", "--status", "exploded", testHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event")

	_, err = publish("tx", "--chain", "5", testHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported chain: 5")

	assert.Equal(t, 0, mock.GetPublishedEventCount())
}

func TestPublishBalance(t *testing.T) {
	mock := useMockPublisher(t)

	out, err := publish("balance", "--chain", "1", "--balance", "1500000", "--previous", "1000000", "0xAbC0000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Contains(t, out, "tipwatch.balance.1.0xabc0000000000000000000000000000000000001.native")

	events := mock.GetBalanceEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "1500000", events[0].Balance)
	assert.Equal(t, "1000000", events[0].PreviousBalance)

	_, err = publish("balance", "--chain", "1", "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a balance or an error")
}

func TestPublishRelay(t *testing.T) {
	mock := useMockPublisher(t)

	_, err := publish("relay", "--status", "completed", "--progress", "100", "--dest-tx", "0xdef", "r1")
	require.NoError(t, err)

	events := mock.GetRelayEvents()
	require.Len(t, events, 1)
	assert.Equal(t, chain.RelayCompleted, events[0].Status)
	assert.Equal(t, "0xdef", events[0].DestinationTxHash)
	assert.NotNil(t, events[0].ActualCompletionTime)
	assert.Nil(t, events[0].EstimatedCompletionTime)

	_, err = publish("relay", "--progress", "140", "r2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = publish("relay", "--eta", "2m", "r.bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid subject token")
}

func TestPublish_PublisherErrors(t *testing.T) {
	mock := useMockPublisher(t)
	mock.SetPublishError(errors.New("stream unavailable"))

	_, err := publish("relay", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish relay status")
	assert.Contains(t, err.Error(), "stream unavailable")

	orig := newPublisher
	newPublisher = func(string, *slog.Logger) (natspkg.Publisher, error) {
		return nil, errors.New("no servers available")
	}
	defer func() { newPublisher = orig }()

	_, err = publish("relay", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create publisher")
}
