package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if err := cl.Health(ctx); err != nil {
				return fmt.Errorf("server is unhealthy: %w", err)
			}
			fmt.Fprintf(stdout(c), "✓ Server is healthy\n")
			fmt.Fprintf(stdout(c), "  URL: %s\n", c.String("server-url"))
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(stdout(c), "tipwatch CLI\n")
			fmt.Fprintf(stdout(c), "  Version: %s\n", version)
			fmt.Fprintf(stdout(c), "  Commit:  %s\n", commit)
			fmt.Fprintf(stdout(c), "  Built:   %s\n", date)
			return nil
		},
	}
}

func listChainsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the chains the server supports",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			chains, err := cl.ListChains(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list chains: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, chains)
			}

			w := tabwriter.NewWriter(stdout(c), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFAMILY\tNATIVE\tTOKENS")
			for _, ch := range chains {
				symbols := ""
				for i, t := range ch.Tokens {
					if i > 0 {
						symbols += ","
					}
					symbols += t.Symbol
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", ch.ID, ch.Name, ch.Family, ch.NativeSymbol, orDash(symbols))
			}
			w.Flush()
			return nil
		},
	}
}
