package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sitevault-cli/internal/cost"
	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/remediate"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Record and inspect worker attempts",
}

// -- attempts record --

var attemptsRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one worker attempt against a gap",
	Long:  "Appends an attempt to the ledger and advances the gap state machine. Re-recording an already-seen (gap, attempt number) pair is a safe no-op that returns the original row.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		gapID, _ := cmd.Flags().GetString("gap")
		worker, _ := cmd.Flags().GetString("worker")
		number, _ := cmd.Flags().GetInt("number")
		outcome, _ := cmd.Flags().GetString("outcome")
		durationMS, _ := cmd.Flags().GetInt64("duration-ms")
		costUSD, _ := cmd.Flags().GetFloat64("cost")
		tokens, _ := cmd.Flags().GetInt("tokens")
		errorCode, _ := cmd.Flags().GetString("error-code")
		errorMessage, _ := cmd.Flags().GetString("error-message")
		transcriptRef, _ := cmd.Flags().GetString("transcript")

		// Without an explicit cost, price the attempt from the configured rates.
		if !cmd.Flags().Changed("cost") {
			calc := cost.NewCalculator(cfg.Pricing)
			switch model.WorkerKind(worker) {
			case model.WorkerScrape:
				costUSD = calc.Scrape(tokens)
			case model.WorkerCaller:
				costUSD = calc.Call(int(durationMS / 1000))
			case model.WorkerHuman:
				costUSD = calc.HumanReview()
			}
		}

		res, err := env.Service.RecordAttempt(ctx, remediate.AttemptInput{
			GapID:         gapID,
			WorkerKind:    model.WorkerKind(worker),
			AttemptNumber: number,
			Outcome:       model.Outcome(outcome),
			DurationMS:    durationMS,
			CostUSD:       costUSD,
			ErrorCode:     errorCode,
			ErrorMessage:  errorMessage,
			TranscriptRef: transcriptRef,
		})
		if err != nil {
			return eris.Wrap(err, "attempts record")
		}

		if res.WasDuplicate {
			fmt.Printf("Attempt %d for gap %s was already recorded; gap untouched.\n", number, truncateID(gapID))
		} else {
			fmt.Printf("Recorded attempt %d (%s/%s); gap is now %s (%d/%d attempts).\n",
				number, worker, outcome, res.Gap.Status, res.Gap.AttemptCount, res.Gap.MaxAttempts)
			if res.Exhausted {
				fmt.Println("Retry budget exhausted.")
			}
		}
		return nil
	},
}

// -- attempts list --

var attemptsListCmd = &cobra.Command{
	Use:   "list <gap-id>",
	Short: "List the attempt ledger for a gap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		attempts, err := env.Store.ListAttempts(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "attempts list")
		}

		if len(attempts) == 0 {
			fmt.Fprintln(os.Stderr, "No attempts recorded.")
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(attempts)
		}

		formatAttemptsList(os.Stdout, attempts)
		return nil
	},
}

func init() {
	attemptsRecordCmd.Flags().String("gap", "", "gap ID (required)")
	attemptsRecordCmd.Flags().String("worker", "", "worker kind: scrape, caller, or human (required)")
	attemptsRecordCmd.Flags().Int("number", 0, "attempt number, 1-based (required)")
	attemptsRecordCmd.Flags().String("outcome", "", "attempt outcome: started, completed, failed, timeout, killed, cost_exceeded (required)")
	attemptsRecordCmd.Flags().Int64("duration-ms", 0, "attempt duration in milliseconds")
	attemptsRecordCmd.Flags().Float64("cost", 0, "attempt cost in USD (default: priced from configured rates)")
	attemptsRecordCmd.Flags().Int("tokens", 0, "extraction tokens consumed by a scrape attempt, for pricing")
	attemptsRecordCmd.Flags().String("error-code", "", "machine-readable failure code")
	attemptsRecordCmd.Flags().String("error-message", "", "human-readable failure detail")
	attemptsRecordCmd.Flags().String("transcript", "", "reference to a call transcript or scrape capture")
	_ = attemptsRecordCmd.MarkFlagRequired("gap")
	_ = attemptsRecordCmd.MarkFlagRequired("worker")
	_ = attemptsRecordCmd.MarkFlagRequired("number")
	_ = attemptsRecordCmd.MarkFlagRequired("outcome")

	attemptsListCmd.Flags().Bool("json", false, "output the full ledger rows as JSON")

	attemptsCmd.AddCommand(attemptsRecordCmd)
	attemptsCmd.AddCommand(attemptsListCmd)
	rootCmd.AddCommand(attemptsCmd)
}

// formatAttemptsList writes a tabular attempt ledger to w.
func formatAttemptsList(out io.Writer, attempts []model.AttemptRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "N\tWORKER\tOUTCOME\tDURATION_MS\tCOST\tERROR\tCREATED")
	_, _ = fmt.Fprintln(w, "-\t------\t-------\t-----------\t----\t-----\t-------")

	for _, a := range attempts {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t$%.2f\t%s\t%s\n",
			a.AttemptNumber,
			a.WorkerKind,
			a.Outcome,
			a.DurationMS,
			a.CostUSD,
			a.ErrorCode,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
