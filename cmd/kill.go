package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Halt all in-progress remediation",
	Long: `Transitions every in_progress gap to killed and appends one system
ledger row per victim for audit. Scope to a single run with --run. Pending
gaps are untouched; re-running against an already-halted set kills nothing.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		reason, _ := cmd.Flags().GetString("reason")
		triggeredBy, _ := cmd.Flags().GetString("by")

		res, err := env.Service.KillSwitch(ctx, runID, reason, triggeredBy)
		if err != nil {
			return eris.Wrap(err, "kill")
		}

		fmt.Printf("Killed %d in-progress gaps.\n", res.Killed)
		return nil
	},
}

func init() {
	killCmd.Flags().String("run", "", "limit the halt to one run ID")
	killCmd.Flags().String("reason", "", "why remediation is being halted (required)")
	killCmd.Flags().String("by", "operator", "who or what triggered the halt")
	_ = killCmd.MarkFlagRequired("reason")
	rootCmd.AddCommand(killCmd)
}
