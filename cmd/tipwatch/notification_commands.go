package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tipwatch/service/notify"
)

func notificationCommands() *cli.Command {
	return &cli.Command{
		Name:    "notifications",
		Aliases: []string{"notif"},
		Usage:   "Notification feed commands",
		Subcommands: []*cli.Command{
			listNotificationsCommand(),
			dismissNotificationCommand(),
			clearNotificationsCommand(),
			streamNotificationsCommand(),
		},
	}
}

func jqFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:  "jq",
		Usage: "Only show notifications for which every jq expression is truthy (e.g. '.kind == \"error\"')",
	}
}

func listNotificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the notification feed, newest first",
		Flags: []cli.Flag{jqFlag()},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			notifications, err := cl.ListNotifications(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list notifications: %w", err)
			}
			notifications, err = filterNotifications(notifications, filters)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return printJSON(c, notifications)
			}
			if len(notifications) == 0 {
				fmt.Fprintln(stdout(c), "No notifications")
				return nil
			}
			printNotificationTable(c, notifications)
			return nil
		},
	}
}

func dismissNotificationCommand() *cli.Command {
	return &cli.Command{
		Name:      "dismiss",
		Usage:     "Remove one notification",
		ArgsUsage: "NOTIFICATION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("notification id is required")
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			id := c.Args().First()
			if err := cl.DismissNotification(c.Context, id); err != nil {
				return fmt.Errorf("failed to dismiss notification: %w", err)
			}
			fmt.Fprintf(stdout(c), "✓ Dismissed notification %s\n", id)
			return nil
		},
	}
}

func clearNotificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove every notification",
		Action: func(c *cli.Context) error {
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.ClearNotifications(c.Context); err != nil {
				return fmt.Errorf("failed to clear notifications: %w", err)
			}
			fmt.Fprintln(stdout(c), "✓ Cleared notifications")
			return nil
		},
	}
}

func streamNotificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Follow the notification feed via SSE",
		Description: `Connects to the server's notification stream and prints the feed every time it changes.

Example:
  tipwatch --json notifications stream --jq '.kind == "success"'`,
		Flags: []cli.Flag{jqFlag()},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			jsonOutput := c.Bool("json")

			// Create context that cancels on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Streaming notifications... (Ctrl+C to stop)\n\n")
			}

			err = cl.StreamNotifications(ctx, func(ns []notify.Notification) error {
				ns, err := filterNotifications(ns, filters)
				if err != nil {
					return err
				}
				if jsonOutput {
					// one snapshot per line
					data, err := json.Marshal(ns)
					if err != nil {
						return fmt.Errorf("failed to marshal notifications: %w", err)
					}
					fmt.Fprintln(stdout(c), string(data))
					return nil
				}
				fmt.Fprintf(stdout(c), "── %s · %d notification(s)\n", time.Now().Format(time.TimeOnly), len(ns))
				if len(ns) > 0 {
					printNotificationTable(c, ns)
				}
				fmt.Fprintln(stdout(c))
				return nil
			})
			if err != nil {
				return fmt.Errorf("notification stream failed: %w", err)
			}
			if !jsonOutput {
				fmt.Fprintf(c.App.ErrWriter, "Disconnected\n")
			}
			return nil
		},
	}
}

func printNotificationTable(c *cli.Context, ns []notify.Notification) {
	w := tabwriter.NewWriter(stdout(c), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tTITLE\tMESSAGE\tUPDATED")
	for _, n := range ns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Kind, n.Title, n.Message, n.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// filterNotifications keeps the notifications every filter accepts. jq runs on the
// notification's JSON form so filters see the same field names the API returns.
func filterNotifications(ns []notify.Notification, filters []*gojq.Code) ([]notify.Notification, error) {
	if len(filters) == 0 {
		return ns, nil
	}
	kept := make([]notify.Notification, 0, len(ns))
	for _, n := range ns {
		ok, err := matches(n, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, n)
		}
	}
	return kept, nil
}

func matches(n notify.Notification, filters []*gojq.Code) (bool, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("failed to marshal notification: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to decode notification: %w", err)
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, fmt.Errorf("jq filter failed: %w", err)
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}
