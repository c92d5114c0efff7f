package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/escape-velocity-ventures/sandtrace/internal/history"
)

var flagHistoryN int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the history ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.HistoryPath == "" {
			return errors.New("run history is disabled (history_path is empty)")
		}

		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.Recent(flagHistoryN)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No recorded runs.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tSTATE\tMODE\tEVENTS\tEXIT\tDURATION\tTARGET")
		for _, rec := range recs {
			dur := rec.EndedAt.Sub(rec.StartedAt).Truncate(10 * time.Millisecond)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
				rec.State, rec.Mode, rec.Events, rec.ExitCode, dur,
				truncate(rec.Target, 60))
		}
		return tw.Flush()
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryN, "count", "n", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(historyCmd)
}
