package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/converge/internal/client"
	"github.com/user/converge/internal/types"
)

func init() {
	rootCmd.AddCommand(appendCmd, getCmd, snapshotCmd, loadCmd)

	appendCmd.Flags().String("type", string(types.EntryFact), "entry type (fact, proposal, trace, decision)")
	appendCmd.Flags().String("payload", "", "entry payload, usually JSON")
	appendCmd.Flags().String("correlation", "", "correlation id (generated when empty)")
	appendCmd.Flags().String("run", "", "run id")
	appendCmd.Flags().String("truth", "", "truth id")
	appendCmd.Flags().String("idempotency-key", "", "reuse a key from an earlier attempt")

	getCmd.Flags().Int64("after", 0, "return entries after this sequence")
	getCmd.Flags().Int("limit", 0, "maximum entries to return")
	getCmd.Flags().String("correlation", "", "only entries with this correlation id")
	getCmd.Flags().Bool("json", false, "print JSON lines")

	snapshotCmd.Flags().StringP("output", "o", "", "write snapshot data to this file")

	loadCmd.Flags().Bool("fail-if-exists", false, "refuse to load into a context that has entries")
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx, cancel := commandContext()
	defer cancel()

	c, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

var appendCmd = &cobra.Command{
	Use:   "append <context-id>",
	Short: "Append an entry to a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		entryType, _ := flags.GetString("type")
		payload, _ := flags.GetString("payload")
		corr, _ := flags.GetString("correlation")
		run, _ := flags.GetString("run")
		truth, _ := flags.GetString("truth")
		key, _ := flags.GetString("idempotency-key")

		return withClient(func(ctx context.Context, c *client.Client) error {
			e, err := c.Append(ctx, client.AppendRequest{
				ContextID:      types.ContextID(args[0]),
				EntryType:      types.EntryType(entryType),
				Payload:        []byte(payload),
				CorrelationID:  types.CorrelationID(corr),
				RunID:          types.RunID(run),
				TruthID:        truth,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "appended %s at sequence %d (idempotency key %s)\n", e.EntryID, e.Sequence, e.IdempotencyKey)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <context-id>",
	Short: "Fetch entries from a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		after, _ := flags.GetInt64("after")
		limit, _ := flags.GetInt("limit")
		corr, _ := flags.GetString("correlation")
		asJSON, _ := flags.GetBool("json")

		return withClient(func(ctx context.Context, c *client.Client) error {
			entries, err := c.Get(ctx, types.ContextID(args[0]), types.GetOptions{
				CorrelationID: types.CorrelationID(corr),
				AfterSequence: after,
				Limit:         limit,
			})
			if err != nil {
				return err
			}
			if asJSON {
				for _, e := range entries {
					if err := writeEntryJSON(os.Stdout, e); err != nil {
						return err
					}
				}
				return nil
			}
			if len(entries) == 0 {
				fmt.Println("No entries found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTYPE\tCORRELATION\tACTOR\tTIME\tPAYLOAD")
			for _, e := range entries {
				writeEntryRow(w, e)
			}
			return w.Flush()
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <context-id>",
	Short: "Snapshot a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		return withClient(func(ctx context.Context, c *client.Client) error {
			snap, err := c.Snapshot(ctx, types.ContextID(args[0]))
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.WriteFile(out, snap.Data, 0644); err != nil {
					return fmt.Errorf("write snapshot: %w", err)
				}
			}
			fmt.Fprintf(os.Stdout, "snapshot at sequence %d (%d entries, %d bytes)\n", snap.Sequence, snap.EntryCount, len(snap.Data))
			return nil
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <context-id> <snapshot-file>",
	Short: "Restore a context from snapshot data",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		failIfExists, _ := cmd.Flags().GetBool("fail-if-exists")
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			seq, err := c.Load(ctx, types.ContextID(args[0]), data, failIfExists)
			if err != nil {
				if client.IsAlreadyExists(err) {
					return fmt.Errorf("context %s already has entries; omit --fail-if-exists to replace them", args[0])
				}
				return err
			}
			fmt.Fprintf(os.Stdout, "loaded %s up to sequence %d\n", args[0], seq)
			return nil
		})
	},
}

// entryView prints the payload inline when it is JSON.
type entryView struct {
	*types.ContextEntry
	Payload any `json:"payload,omitempty"`
}

func payloadValue(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	return string(p)
}

func writeEntryJSON(w io.Writer, e *types.ContextEntry) error {
	return json.NewEncoder(w).Encode(entryView{ContextEntry: e, Payload: payloadValue(e.Payload)})
}

func writeEntryRow(w io.Writer, e *types.ContextEntry) {
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
		e.Sequence,
		e.EntryType,
		e.CorrelationID,
		e.Actor.Kind,
		e.Timestamp.Format("2006-01-02 15:04:05"),
		string(e.Payload),
	)
}
