package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sitevault-cli/internal/model"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the vault push queue",
}

// -- queue status --

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show push-queue counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := env.Store.QueueCounts(ctx)
		if err != nil {
			return eris.Wrap(err, "queue status")
		}

		fmt.Printf("pending: %d\ndone: %d\nerror: %d\n",
			counts[model.QueuePending], counts[model.QueueDone], counts[model.QueueError])
		return nil
	},
}

// -- queue drain --

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain pending push entries into the vault",
	Long: `Claims one batch of pending entries and promotes their addenda
concurrently. Entries are delivered at least once; promotion is idempotent, so
a crashed or repeated drain never produces duplicate vault versions. Entries
whose addendum fails the promotion gate are marked error for operator review.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Drainer.Drain(ctx)
		if err != nil {
			return eris.Wrap(err, "queue drain")
		}

		fmt.Printf("Drained %d entries: %d written, %d errored.\n",
			stats.Claimed, stats.Done, stats.Errors)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}
