package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/tipwatch/service/metrics"
)

// Publisher defines the interface for publishing status events to NATS.
type Publisher interface {
	// PublishTransactionStatus publishes to "tipwatch.tx.{chain_id}.{tx_hash}".
	PublishTransactionStatus(ctx context.Context, event *TransactionStatusEvent) error

	// PublishBalance publishes to "tipwatch.balance.{chain_id}.{address}.{token|native}".
	PublishBalance(ctx context.Context, event *BalanceEvent) error

	// PublishRelayStatus publishes to "tipwatch.relay.{relay_id}".
	PublishRelayStatus(ctx context.Context, event *RelayStatusEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes status events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for status events.
	StreamName = "TIPWATCH"

	// StreamRetention is how long messages are retained.
	StreamRetention = 24 * time.Hour
)

// StreamSubjects are the event subjects captured by the stream. Control and
// request/reply subjects stay on core NATS.
var StreamSubjects = []string{"tipwatch.tx.>", "tipwatch.balance.>", "tipwatch.relay.>"}

// Connect dials NATS with the reconnect policy shared by every component.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	nc, err := Connect(natsURL, "tipwatch-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := EnsureStream(context.Background(), js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// EnsureStream creates the JetStream stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Transaction, balance and relay status events",
		Subjects:    StreamSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	if _, err := js.CreateStream(ctx, streamConfig); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishTransactionStatus publishes a transaction status event.
func (p *JetStreamPublisher) PublishTransactionStatus(ctx context.Context, event *TransactionStatusEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid transaction status event: %w", err)
	}
	if event.PublishedAt.IsZero() {
		event.PublishedAt = time.Now().UTC()
	}
	subject, _ := TransactionSubject(event.ChainID, event.TxHash)
	if err := p.publish(ctx, "tx", subject, event); err != nil {
		return fmt.Errorf("failed to publish transaction status: %w", err)
	}

	p.logger.Debug("published transaction status",
		"subject", subject,
		"tx_hash", event.TxHash,
		"status", event.Status,
	)
	return nil
}

// PublishBalance publishes a balance reading.
func (p *JetStreamPublisher) PublishBalance(ctx context.Context, event *BalanceEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid balance event: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	subject, _ := BalanceSubject(event.ChainID, event.Address, event.Token)
	if err := p.publish(ctx, "balance", subject, event); err != nil {
		return fmt.Errorf("failed to publish balance: %w", err)
	}

	p.logger.Debug("published balance",
		"subject", subject,
		"address", event.Address,
		"balance", event.Balance,
	)
	return nil
}

// PublishRelayStatus publishes a relay progress event.
func (p *JetStreamPublisher) PublishRelayStatus(ctx context.Context, event *RelayStatusEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid relay status event: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	subject, _ := RelaySubject(event.RelayID)
	if err := p.publish(ctx, "relay", subject, event); err != nil {
		return fmt.Errorf("failed to publish relay status: %w", err)
	}

	p.logger.Debug("published relay status",
		"subject", subject,
		"relay_id", event.RelayID,
		"status", event.Status,
		"progress", event.Progress,
	)
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, kind, subject string, event any) error {
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(kind, status, time.Since(start).Seconds())
	return err
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
