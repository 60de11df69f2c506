package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/seed"
	"github.com/sells-group/sitevault-cli/internal/store"
)

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Manage remediation gaps",
	Long:  "Commands for seeding, listing, and inspecting competitor data gaps.",
}

// -- gaps seed --

var gapsSeedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Seed gaps from a CSV, XLSX, or YAML sheet",
	Long:  "Bulk-creates pending gaps from an exported gap sheet. Rows whose (run, competitor, field) triple already exists are skipped, so re-seeding the same sheet is safe.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		sheet, _ := cmd.Flags().GetString("sheet")

		if maxAttempts == 0 {
			maxAttempts = cfg.Remediation.MaxAttempts
		}

		seeds, err := seed.Load(args[0], seed.Options{
			RunID:              runID,
			DefaultMaxAttempts: maxAttempts,
			SheetName:          sheet,
		})
		if err != nil {
			return eris.Wrap(err, "gaps seed")
		}

		inserted, err := env.Store.SeedGaps(ctx, seeds)
		if err != nil {
			return eris.Wrap(err, "gaps seed")
		}

		fmt.Printf("Seeded %d of %d gaps (%d already existed).\n", inserted, len(seeds), int64(len(seeds))-inserted)
		return nil
	},
}

// -- gaps list --

var gapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gaps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		competitor, _ := cmd.Flags().GetString("competitor")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		gaps, err := env.Store.ListGaps(ctx, store.GapFilter{
			RunID:        runID,
			CompetitorID: competitor,
			Status:       model.GapStatus(status),
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "gaps list")
		}

		if len(gaps) == 0 {
			fmt.Fprintln(os.Stderr, "No gaps found.")
			return nil
		}

		formatGapsList(os.Stdout, gaps)
		return nil
	},
}

// -- gaps show --

var gapsShowCmd = &cobra.Command{
	Use:   "show <gap-id>",
	Short: "Show a gap and its attempt ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		g, err := env.Store.GetGap(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "gaps show")
		}

		attempts, err := env.Store.ListAttempts(ctx, g.ID)
		if err != nil {
			return eris.Wrap(err, "gaps show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Gap      *model.Gap            `json:"gap"`
			Attempts []model.AttemptRecord `json:"attempts"`
		}{g, attempts})
	},
}

func init() {
	gapsSeedCmd.Flags().String("run", "", "override the run_id column for every seeded row")
	gapsSeedCmd.Flags().Int("max-attempts", 0, "retry budget for seeds without one (default from config)")
	gapsSeedCmd.Flags().String("sheet", "", "XLSX sheet name (default: first sheet)")

	gapsListCmd.Flags().String("run", "", "filter by run ID")
	gapsListCmd.Flags().String("competitor", "", "filter by competitor ID")
	gapsListCmd.Flags().String("status", "", "filter by status (pending, in_progress, resolved, failed, killed)")
	gapsListCmd.Flags().Int("limit", 50, "max number of gaps to display")

	gapsCmd.AddCommand(gapsSeedCmd)
	gapsCmd.AddCommand(gapsListCmd)
	gapsCmd.AddCommand(gapsShowCmd)
	rootCmd.AddCommand(gapsCmd)
}

// formatGapsList writes a tabular list of gaps to w.
func formatGapsList(out io.Writer, gaps []model.Gap) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tCOMPETITOR\tFIELD\tSTATUS\tATTEMPTS\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t---\t----------\t-----\t------\t--------\t-------")

	for _, g := range gaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(g.ID),
			truncateID(g.RunID),
			g.CompetitorID,
			g.FieldKey,
			g.Status,
			g.AttemptCount,
			g.MaxAttempts,
			g.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
