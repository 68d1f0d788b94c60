package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/pageorder/internal/history"
)

// historyCmd represents the history command.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent reorder runs",
	Long: `List the most recent runs recorded in the history database, newest first.

Examples:
  pageorder history
  pageorder history --limit 5 --json`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		if limit < 1 {
			return fmt.Errorf("invalid limit: %d (must be positive)", limit)
		}

		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		runs, err := store.List(ctx, limit)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		return writeHistoryTable(cmd.OutOrStdout(), runs)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "number of runs to show")
	historyCmd.Flags().Bool("json", false, "print runs as JSON")
}

func writeHistoryTable(w io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "FINISHED\tSTATUS\tFILE\tPAGES\tKEYED\tMISSING\tDURATION\tID")
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime), r.Status, r.Filename,
			r.TotalPages, r.KeyedPages, r.MissingKeys,
			r.Duration().Round(time.Millisecond), r.ID)
	}
	return tw.Flush()
}
