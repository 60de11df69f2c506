package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sitevault-cli/internal/model"
	"github.com/sells-group/sitevault-cli/internal/remediate"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <gap-id>",
	Short: "Submit a resolved payload for a gap",
	Long: `Validates a worker's resolved payload through the confidence gate. On
acceptance the gap transitions to resolved, an addendum is staged, and a push
entry is enqueued. A rejection changes nothing. Reads the payload JSON from
--file, or from stdin when --file is "-" or omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		file, _ := cmd.Flags().GetString("file")
		transcript, _ := cmd.Flags().GetString("transcript")
		costUSD, _ := cmd.Flags().GetFloat64("cost")

		payload, err := readPayload(file)
		if err != nil {
			return err
		}

		res, err := env.Service.ResolveGap(ctx, args[0], payload, remediate.ResolveOptions{
			TranscriptRef: transcript,
			CostUSD:       costUSD,
		})
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		switch {
		case res.AlreadyResolved:
			fmt.Println("Gap is already resolved; nothing to do.")
		case res.Rejected:
			fmt.Printf("Resolution rejected: %s\n", strings.Join(res.Reasons, "; "))
		default:
			fmt.Printf("Gap resolved (score %.2f). Addendum %s staged and queued for the vault.\n",
				res.Score, truncateID(res.Addendum.ID))
		}
		return nil
	},
}

// readPayload decodes a resolved payload from a file path or stdin.
func readPayload(file string) (model.ResolvedPayload, error) {
	var r io.Reader = os.Stdin
	if file != "" && file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return model.ResolvedPayload{}, eris.Wrap(err, "open payload file")
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	var payload model.ResolvedPayload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return model.ResolvedPayload{}, eris.Wrap(err, "decode payload")
	}
	return payload, nil
}

func init() {
	resolveCmd.Flags().String("file", "", "path to the payload JSON (default: stdin)")
	resolveCmd.Flags().String("transcript", "", "reference to the supporting transcript or capture")
	resolveCmd.Flags().Float64("cost", 0, "cost of the resolving attempt in USD")
	rootCmd.AddCommand(resolveCmd)
}
