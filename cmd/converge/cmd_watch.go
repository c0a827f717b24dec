package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/converge/internal/client"
	"github.com/user/converge/internal/delivery"
	"github.com/user/converge/internal/types"
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("correlation", "", "only entries with this correlation id")
	watchCmd.Flags().Int64("since", 0, "resume after this sequence")
	watchCmd.Flags().Bool("json", false, "print JSON lines")
	watchCmd.Flags().Bool("runs", false, "print run status changes")
}

var watchCmd = &cobra.Command{
	Use:   "watch <context-id>",
	Short: "Stream entries from a context until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		corr, _ := flags.GetString("correlation")
		since, _ := flags.GetInt64("since")
		asJSON, _ := flags.GetBool("json")
		showRuns, _ := flags.GetBool("runs")

		cfg := loadConfig()
		setupLogging(cfg)
		ctx, cancel := commandContext()
		defer cancel()

		c := newClient(cfg)
		defer c.Close()

		states, unsubscribe := c.SubscribeState()
		defer unsubscribe()
		go func() {
			for s := range states {
				slog.Info("connection", "state", string(s))
			}
		}()
		if showRuns {
			runs, stopRuns := c.SubscribeRuns()
			defer stopRuns()
			go printRuns(runs)
		}

		// Watch parks until the connection comes up, so Connect is not
		// required to succeed first.
		if err := c.Connect(ctx); err != nil {
			return err
		}

		router := delivery.NewRouter()
		router.Handle(types.EntryTrace, func(_ context.Context, e *types.ContextEntry) error {
			if m, ok := client.ParseRunMarker(e.Payload); ok && !asJSON {
				fmt.Fprintf(os.Stdout, "#%d run %s %s\n", e.Sequence, e.RunID, m.Run)
				return nil
			}
			return printEntry(e, asJSON)
		})
		router.Fallback(func(_ context.Context, e *types.ContextEntry) error {
			return printEntry(e, asJSON)
		})

		sub, err := c.Watch(ctx, client.WatchOptions{
			ContextID:     types.ContextID(args[0]),
			CorrelationID: types.CorrelationID(corr),
			SinceSequence: since,
		}, router.Deliver)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			sub.Cancel()
			<-sub.Done()
			fmt.Fprintf(os.Stderr, "stopped at sequence %d\n", sub.LastKnownSequence())
			return nil
		case <-sub.Done():
			if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch ended at sequence %d: %w", sub.LastKnownSequence(), err)
			}
			return nil
		}
	},
}

func printEntry(e *types.ContextEntry, asJSON bool) error {
	if asJSON {
		return writeEntryJSON(os.Stdout, e)
	}
	_, err := fmt.Fprintf(os.Stdout, "#%d %s %s %s\n", e.Sequence, e.EntryType, e.CorrelationID, string(e.Payload))
	return err
}

func printRuns(runs <-chan types.RunStatus) {
	for r := range runs {
		line := fmt.Sprintf("run %s: %s facts=%d pending=%d", r.RunID, r.Status, r.FactsCount, r.PendingProposals)
		if len(r.WaitingFor) > 0 {
			line += " waiting_for=" + strings.Join(r.WaitingFor, ",")
		}
		if r.HaltReason != "" {
			line += " halt_reason=" + r.HaltReason
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
