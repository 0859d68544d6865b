package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/tipwatch/service/chain"
	natspkg "github.com/brojonat/tipwatch/service/nats"
)

// newPublisher connects to NATS. Tests swap it for a mock.
var newPublisher = func(natsURL string, logger *slog.Logger) (natspkg.Publisher, error) {
	p, err := natspkg.NewPublisher(natsURL, nil, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func publishCommands() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Publish status events to NATS (for testing monitors without a chain)",
		Description: `Publishes the events the server's watchers consume, so monitors can be driven by hand.

Example:
  tipwatch monitor tx --chain 8453 0xabc...
  tipwatch publish tx --chain 8453 --status confirmed --block 123 0xabc...`,
		Subcommands: []*cli.Command{
			publishTransactionCommand(),
			publishBalanceCommand(),
			publishRelayCommand(),
		},
	}
}

func publishTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "tx",
		Usage:     "Publish a transaction status change",
		ArgsUsage: "TX_HASH",
		Flags: []cli.Flag{
			chainFlag(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "pending, confirmed, failed, dropped or replaced",
				Value: string(chain.TxConfirmed),
			},
			&cli.Uint64Flag{
				Name:  "block",
				Usage: "Block number for the receipt (no receipt when zero)",
			},
			&cli.StringFlag{
				Name:  "replacement",
				Usage: "Replacement transaction hash",
			},
			&cli.StringFlag{
				Name:  "error",
				Usage: "Failure reason",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction hash is required")
			}
			ch, err := resolveChain(c.Int64("chain"))
			if err != nil {
				return err
			}
			event := &natspkg.TransactionStatusEvent{
				TxHash:          ch.Canonical(c.Args().First()),
				ChainID:         ch.ID,
				Status:          chain.TxStatus(c.String("status")),
				ReplacementHash: ch.Canonical(c.String("replacement")),
				Error:           c.String("error"),
				PublishedAt:     time.Now(),
			}
			if block := c.Uint64("block"); block > 0 {
				event.Receipt = &chain.Receipt{
					TxHash:      event.TxHash,
					BlockNumber: block,
					Success:     event.Status == chain.TxConfirmed,
				}
			}
			if err := event.Validate(); err != nil {
				return fmt.Errorf("invalid event: %w", err)
			}

			return withPublisher(c, func(p natspkg.Publisher) error {
				if err := p.PublishTransactionStatus(c.Context, event); err != nil {
					return fmt.Errorf("failed to publish transaction status: %w", err)
				}
				subject, _ := natspkg.TransactionSubject(event.ChainID, event.TxHash)
				return printPublished(c, subject, event)
			})
		},
	}
}

func publishBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Publish a balance reading",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			chainFlag(),
			&cli.StringFlag{
				Name:  "token",
				Usage: "Token contract or mint address (native balance when empty)",
			},
			&cli.StringFlag{
				Name:  "balance",
				Usage: "Raw balance in the smallest unit",
			},
			&cli.StringFlag{
				Name:  "previous",
				Usage: "Previous raw balance",
			},
			&cli.StringFlag{
				Name:  "error",
				Usage: "Publish a failed poll with this reason instead of a reading",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			ch, err := resolveChain(c.Int64("chain"))
			if err != nil {
				return err
			}
			event := &natspkg.BalanceEvent{
				ChainID:         ch.ID,
				Address:         ch.Canonical(c.Args().First()),
				Token:           ch.Canonical(c.String("token")),
				Balance:         c.String("balance"),
				PreviousBalance: c.String("previous"),
				Error:           c.String("error"),
				Timestamp:       time.Now(),
			}
			if err := event.Validate(); err != nil {
				return fmt.Errorf("invalid event: %w", err)
			}

			return withPublisher(c, func(p natspkg.Publisher) error {
				if err := p.PublishBalance(c.Context, event); err != nil {
					return fmt.Errorf("failed to publish balance: %w", err)
				}
				subject, _ := natspkg.BalanceSubject(event.ChainID, event.Address, event.Token)
				return printPublished(c, subject, event)
			})
		},
	}
}

func publishRelayCommand() *cli.Command {
	return &cli.Command{
		Name:      "relay",
		Usage:     "Publish a relay progress report",
		ArgsUsage: "RELAY_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "initiated, pending, relaying, completed or failed",
				Value: string(chain.RelayRelaying),
			},
			&cli.IntFlag{
				Name:  "progress",
				Usage: "Progress percentage (0-100)",
			},
			&cli.StringFlag{
				Name:  "dest-tx",
				Usage: "Destination chain transaction hash",
			},
			&cli.DurationFlag{
				Name:  "eta",
				Usage: "Estimated time until completion",
			},
			&cli.StringFlag{
				Name:  "error",
				Usage: "Failure reason",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("relay id is required")
			}
			now := time.Now()
			event := &natspkg.RelayStatusEvent{
				RelayID:           c.Args().First(),
				Status:            chain.RelayStatusValue(c.String("status")),
				Progress:          c.Int("progress"),
				DestinationTxHash: c.String("dest-tx"),
				Error:             c.String("error"),
				Timestamp:         now,
			}
			if eta := c.Duration("eta"); eta > 0 {
				est := now.Add(eta)
				event.EstimatedCompletionTime = &est
			}
			if event.Status == chain.RelayCompleted {
				event.ActualCompletionTime = &now
			}
			if err := event.Validate(); err != nil {
				return fmt.Errorf("invalid event: %w", err)
			}

			return withPublisher(c, func(p natspkg.Publisher) error {
				if err := p.PublishRelayStatus(c.Context, event); err != nil {
					return fmt.Errorf("failed to publish relay status: %w", err)
				}
				subject, _ := natspkg.RelaySubject(event.RelayID)
				return printPublished(c, subject, event)
			})
		},
	}
}

// resolveChain looks up a chain so published identifiers use the spelling watchers subscribe with.
func resolveChain(chainID int64) (*chain.Chain, error) {
	ch, ok := chain.DefaultRegistry().ResolveChain(chainID)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %d", chainID)
	}
	return ch, nil
}

func withPublisher(c *cli.Context, fn func(natspkg.Publisher) error) error {
	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	p, err := newPublisher(c.String("nats-url"), logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer p.Close()
	return fn(p)
}

func printPublished(c *cli.Context, subject string, event any) error {
	if c.Bool("json") {
		return printJSON(c, event)
	}
	fmt.Fprintf(stdout(c), "✓ Published to %s\n", subject)
	return nil
}
