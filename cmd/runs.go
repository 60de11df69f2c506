package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sitevault-cli/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Summarize remediation runs",
	Long:  "Shows per-run gap counts broken down by status, most recently active first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		summaries, err := env.Store.RunSummaries(ctx)
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if len(summaries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunSummaries(os.Stdout, summaries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func formatRunSummaries(out io.Writer, summaries []store.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tTOTAL\tPENDING\tIN PROGRESS\tRESOLVED\tFAILED\tKILLED\tLAST ACTIVITY")
	_, _ = fmt.Fprintln(w, "---\t-----\t-------\t-----------\t--------\t------\t------\t-------------")

	for _, rs := range summaries {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(rs.RunID),
			rs.Total,
			rs.Pending,
			rs.InProgress,
			rs.Resolved,
			rs.Failed,
			rs.Killed,
			rs.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
