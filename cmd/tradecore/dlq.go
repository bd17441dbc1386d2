package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"tradecore/internal/dlq"
	"tradecore/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newDLQCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue failed signal executions",
	}
	cmd.AddCommand(newDLQListCmd(app))
	cmd.AddCommand(newDLQRequeueCmd(app))
	return cmd
}

func newDLQListCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter queue entries",
		Example: `  tradecore dlq list --status pending,failed_permanent
  tradecore dlq list --limit 20 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			filter := models.DLQFilter{Limit: limit}
			for _, s := range statuses {
				s = strings.ToUpper(strings.TrimSpace(s))
				if !models.IsValidDLQStatus(s) {
					return fmt.Errorf("unknown dlq status %q", s)
				}
				filter.Statuses = append(filter.Statuses, s)
			}

			store, closeStore, err := openDLQStore(cmd.Context(), app.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			queue := dlq.New(dlq.DefaultConfig(), store, nil, dlq.Callbacks{}, app.log)
			entries, err := queue.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list dlq entries: %w", err)
			}

			if asJSON {
				if entries == nil {
					entries = []*models.DLQEntry{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			return printDLQEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringSlice("status", nil, "Filter by status (comma separated)")
	cmd.Flags().Int("limit", 100, "Maximum number of entries")
	cmd.Flags().Bool("json", false, "Print entries as JSON")
	return cmd
}

func newDLQRequeueCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Return an entry to PENDING with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openDLQStore(cmd.Context(), app.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			queue := dlq.New(dlq.DefaultConfig(), store, nil, dlq.Callbacks{}, app.log)
			e, err := queue.Requeue(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s %s), was %s\n",
				e.ID, e.UserID, e.Symbol, e.Metadata["requeued_from"])
			return nil
		},
	}
}

// printDLQEntries печатает записи таблицей
func printDLQEntries(w io.Writer, entries []*models.DLQEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no entries")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tSYMBOL\tSTATUS\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.UserID, e.Symbol, e.Status, e.RetryCount, e.MaxRetries,
			e.NextRetryAt.UTC().Format(time.RFC3339), truncate(lastError(e), 60))
	}
	return tw.Flush()
}

func lastError(e *models.DLQEntry) string {
	if e.LastError != "" {
		return e.LastError
	}
	return e.ErrorMessage
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
