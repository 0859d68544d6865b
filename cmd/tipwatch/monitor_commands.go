package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/tipwatch/client"
	"github.com/brojonat/tipwatch/service/monitor"
)

func monitorCommands() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Start, inspect and stop monitors on the server",
		Subcommands: []*cli.Command{
			monitorTransactionCommand(),
			monitorBalanceCommand(),
			monitorRelayCommand(),
			getMonitorCommand(),
			listMonitorsCommand(),
			stopMonitorCommand(),
			refreshBalanceCommand(),
		},
	}
}

// awaitPollInterval is how often --wait re-reads the monitor.
var awaitPollInterval = 2 * time.Second

func chainFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:     "chain",
		Aliases:  []string{"c"},
		Usage:    "Chain id",
		Required: true,
	}
}

func monitorTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "tx",
		Usage:     "Watch a transaction until it is confirmed or fails",
		ArgsUsage: "TX_HASH",
		Flags: []cli.Flag{
			chainFlag(),
			&cli.StringFlag{
				Name:  "notification-id",
				Usage: "Update this existing notification instead of creating one",
			},
			&cli.BoolFlag{
				Name:  "no-notification",
				Usage: "Do not create a notification",
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the transaction reaches a final status",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long --wait blocks",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("transaction hash is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			req := client.TransactionRequest{
				TxHash:         c.Args().First(),
				ChainID:        c.Int64("chain"),
				NotificationID: c.String("notification-id"),
			}
			if c.Bool("no-notification") {
				req.CreateNotification = boolPtr(false)
			}

			started, err := cl.StartTransactionMonitor(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to start transaction monitor: %w", err)
			}
			if !c.Bool("wait") {
				return printStarted(c, started)
			}

			fmt.Fprintf(c.App.ErrWriter, "Watching %s (monitor %s)...\n", req.TxHash, started.ID)
			m, err := awaitMonitor(c.Context, cl, started.ID, c.Duration("timeout"), awaitPollInterval, func(m *client.Monitor) (bool, error) {
				st, err := m.TransactionState()
				if err != nil {
					return false, err
				}
				return !st.Active, nil
			})
			if err != nil {
				return err
			}
			return printMonitor(c, m)
		},
	}
}

func monitorBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Poll an account balance and notify on significant changes",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			chainFlag(),
			&cli.StringFlag{
				Name:  "token",
				Usage: "Token contract or mint address (native balance when empty)",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Polling interval (server default when zero)",
			},
			&cli.Float64Flag{
				Name:  "threshold",
				Usage: "Relative change that counts as significant (server default when zero)",
			},
			&cli.IntFlag{
				Name:  "decimals",
				Usage: "Token decimals (looked up from the chain registry when negative)",
				Value: -1,
			},
			&cli.BoolFlag{
				Name:  "no-increase",
				Usage: "Do not notify on balance increases",
			},
			&cli.BoolFlag{
				Name:  "no-decrease",
				Usage: "Do not notify on balance decreases",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			req := client.BalanceRequest{
				Address:      c.Args().First(),
				ChainID:      c.Int64("chain"),
				Token:        c.String("token"),
				PollInterval: c.Duration("poll-interval"),
			}
			if t := c.Float64("threshold"); t != 0 {
				req.Threshold = &t
			}
			if d := c.Int("decimals"); d >= 0 {
				req.Decimals = &d
			}
			if c.Bool("no-increase") {
				req.NotifyOnIncrease = boolPtr(false)
			}
			if c.Bool("no-decrease") {
				req.NotifyOnDecrease = boolPtr(false)
			}

			started, err := cl.StartBalanceMonitor(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to start balance monitor: %w", err)
			}
			return printStarted(c, started)
		},
	}
}

func monitorRelayCommand() *cli.Command {
	return &cli.Command{
		Name:      "relay",
		Usage:     "Track a cross-chain relay until it completes or fails",
		ArgsUsage: "RELAY_ID",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "from",
				Usage:    "Source chain id",
				Required: true,
			},
			&cli.Int64Flag{
				Name:     "to",
				Usage:    "Destination chain id",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "source-tx",
				Usage:    "Source chain transaction hash",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "max-wait",
				Usage: "Give up on the relay after this long (server default when zero)",
			},
			&cli.BoolFlag{
				Name:  "no-notification",
				Usage: "Do not create a notification",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("relay id is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			req := client.RelayRequest{
				RelayID:            c.Args().First(),
				SourceChainID:      c.Int64("from"),
				DestinationChainID: c.Int64("to"),
				SourceTxHash:       c.String("source-tx"),
				MaxWait:            c.Duration("max-wait"),
			}
			if c.Bool("no-notification") {
				req.CreateNotification = boolPtr(false)
			}

			started, err := cl.StartRelayMonitor(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to start relay monitor: %w", err)
			}
			return printStarted(c, started)
		},
	}
}

func getMonitorCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show the current state of a monitor",
		ArgsUsage: "MONITOR_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("monitor id is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			m, err := cl.GetMonitor(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get monitor: %w", err)
			}
			return printMonitor(c, m)
		},
	}
}

func listMonitorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List monitors registered on the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Only list monitors of this kind (transaction, balance, relay)",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			list, err := cl.ListMonitors(c.Context, monitor.Kind(c.String("kind")))
			if err != nil {
				return fmt.Errorf("failed to list monitors: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, list)
			}

			if len(list.Monitors) == 0 {
				fmt.Fprintln(stdout(c), "No monitors running")
				return nil
			}

			w := tabwriter.NewWriter(stdout(c), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSUBJECT\tSTATUS")
			for i := range list.Monitors {
				m := &list.Monitors[i]
				subject, status := summarize(m)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Kind, subject, status)
			}
			w.Flush()

			kinds := make([]string, 0, len(list.Counts))
			for k := range list.Counts {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			fmt.Fprintln(stdout(c))
			for _, k := range kinds {
				fmt.Fprintf(stdout(c), "%s: %d\n", k, list.Counts[monitor.Kind(k)])
			}
			return nil
		},
	}
}

func stopMonitorCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Stop a monitor and release its subscription",
		ArgsUsage: "MONITOR_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("monitor id is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			id := c.Args().First()
			if err := cl.StopMonitor(c.Context, id); err != nil {
				return fmt.Errorf("failed to stop monitor: %w", err)
			}
			fmt.Fprintf(stdout(c), "✓ Stopped monitor %s\n", id)
			return nil
		},
	}
}

func refreshBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "refresh",
		Usage:     "Re-read a balance monitor's balance, optionally after a transaction",
		ArgsUsage: "MONITOR_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tx-hash",
				Usage: "Transaction whose effect the refresh should wait for",
			},
			&cli.DurationFlag{
				Name:  "max-wait",
				Usage: "How long the server waits for a fresh reading",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("monitor id is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			r, err := cl.RefreshBalance(c.Context, c.Args().First(), c.String("tx-hash"), c.Duration("max-wait"))
			if err != nil {
				return fmt.Errorf("failed to refresh balance: %w", err)
			}
			if c.Bool("json") {
				return printJSON(c, r)
			}
			printBalanceState(stdout(c), r.State)
			return nil
		},
	}
}

// awaitMonitor polls a monitor until done reports true or timeout elapses.
func awaitMonitor(ctx context.Context, cl *client.Client, id string, timeout, interval time.Duration, done func(*client.Monitor) (bool, error)) (*client.Monitor, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m, err := cl.GetMonitor(ctx, id)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("timed out after %s waiting for monitor %s", timeout, id)
			}
			return nil, fmt.Errorf("failed to get monitor: %w", err)
		}
		finished, err := done(m)
		if err != nil {
			return nil, err
		}
		if finished {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out after %s waiting for monitor %s", timeout, id)
		case <-ticker.C:
		}
	}
}

func printStarted(c *cli.Context, s *client.Started) error {
	if c.Bool("json") {
		return printJSON(c, s)
	}
	fmt.Fprintf(stdout(c), "✓ Started %s monitor\n", s.Kind)
	fmt.Fprintf(stdout(c), "  ID:           %s\n", s.ID)
	if s.NotificationID != "" {
		fmt.Fprintf(stdout(c), "  Notification: %s\n", s.NotificationID)
	}
	return nil
}

func printMonitor(c *cli.Context, m *client.Monitor) error {
	if c.Bool("json") {
		return printJSON(c, m)
	}
	out := stdout(c)
	fmt.Fprintf(out, "Monitor:    %s (%s)\n", m.ID, m.Kind)
	switch m.Kind {
	case monitor.KindTransaction:
		st, err := m.TransactionState()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Tx Hash:    %s\n", st.TxHash)
		fmt.Fprintf(out, "Chain:      %d\n", st.ChainID)
		fmt.Fprintf(out, "Status:     %s (%d%%)\n", orDash(string(st.Status)), st.Progress)
		if st.Receipt != nil {
			fmt.Fprintf(out, "Block:      %d\n", st.Receipt.BlockNumber)
		}
		if st.ReplacementHash != "" {
			fmt.Fprintf(out, "Replaced:   %s\n", st.ReplacementHash)
		}
		if st.Error != "" {
			fmt.Fprintf(out, "Error:      %s\n", st.Error)
		}
		fmt.Fprintf(out, "Active:     %t\n", st.Active)
	case monitor.KindBalance:
		st, err := m.BalanceState()
		if err != nil {
			return err
		}
		printBalanceState(out, st)
	case monitor.KindRelay:
		st, err := m.RelayState()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Relay:      %s\n", st.RelayID)
		fmt.Fprintf(out, "Route:      %d -> %d\n", st.SourceChainID, st.DestinationChainID)
		fmt.Fprintf(out, "Status:     %s (%d%%)\n", orDash(string(st.Status)), st.Progress)
		if st.DestinationTxHash != "" {
			fmt.Fprintf(out, "Dest Tx:    %s\n", st.DestinationTxHash)
		}
		if st.EstimatedCompletionTime != nil {
			fmt.Fprintf(out, "ETA:        %s\n", st.EstimatedCompletionTime.Format(time.RFC3339))
		}
		if st.Error != "" {
			fmt.Fprintf(out, "Error:      %s\n", st.Error)
		}
		fmt.Fprintf(out, "Active:     %t\n", st.Active)
	}
	return nil
}

func printBalanceState(out io.Writer, st monitor.BalanceState) {
	symbol := st.Symbol
	if symbol == "" {
		symbol = "units"
	}
	fmt.Fprintf(out, "Address:    %s\n", st.Address)
	fmt.Fprintf(out, "Chain:      %d\n", st.ChainID)
	fmt.Fprintf(out, "Balance:    %s %s\n", orDash(st.Balance), symbol)
	if st.PreviousBalance != "" {
		fmt.Fprintf(out, "Previous:   %s %s\n", st.PreviousBalance, symbol)
	}
	if !st.LastUpdated.IsZero() {
		fmt.Fprintf(out, "Updated:    %s\n", st.LastUpdated.Format(time.RFC3339))
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", st.Error)
	}
	fmt.Fprintf(out, "Active:     %t\n", st.Active)
}

// summarize returns the subject and status columns for the monitor list.
func summarize(m *client.Monitor) (string, string) {
	switch m.Kind {
	case monitor.KindTransaction:
		if st, err := m.TransactionState(); err == nil {
			return st.TxHash, orDash(string(st.Status))
		}
	case monitor.KindBalance:
		if st, err := m.BalanceState(); err == nil {
			return st.Address, orDash(st.Balance)
		}
	case monitor.KindRelay:
		if st, err := m.RelayState(); err == nil {
			return st.RelayID, fmt.Sprintf("%s %d%%", orDash(string(st.Status)), st.Progress)
		}
	}
	return "-", "-"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func boolPtr(b bool) *bool { return &b }
