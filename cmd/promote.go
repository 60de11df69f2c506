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
	"github.com/sells-group/sitevault-cli/internal/store"
	"github.com/sells-group/sitevault-cli/internal/vault"
)

var promoteCmd = &cobra.Command{
	Use:   "promote <addendum-id>",
	Short: "Promote a staged addendum into the vault",
	Long: `Runs the promotion gate against one staged addendum and, on success,
writes a new vault version for its natural key. Promoting an already-promoted
addendum replays its original result.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Promoter.Promote(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "promote")
		}

		switch {
		case res.AlreadyPromoted:
			fmt.Printf("Addendum was already promoted as version %s.\n", truncateID(res.VersionHash))
		case !res.Written:
			fmt.Printf("Vault already holds version %s as latest for %s; no write needed.\n",
				truncateID(res.VersionHash), res.NaturalKey)
		default:
			fmt.Printf("Promoted %s as version %s.\n", res.NaturalKey, truncateID(res.VersionHash))
		}
		return nil
	},
}

// -- addenda --

var addendaCmd = &cobra.Command{
	Use:   "addenda",
	Short: "Inspect staged vault addenda",
}

var addendaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged addenda",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		runID, _ := cmd.Flags().GetString("run")
		validation, _ := cmd.Flags().GetString("validation")
		limit, _ := cmd.Flags().GetInt("limit")

		addenda, err := env.Store.ListAddenda(ctx, store.AddendumFilter{
			RunID:      runID,
			Validation: model.ValidationStatus(validation),
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "addenda list")
		}

		if len(addenda) == 0 {
			fmt.Fprintln(os.Stderr, "No addenda found.")
			return nil
		}

		formatAddendaList(os.Stdout, addenda)
		return nil
	},
}

var addendaShowCmd = &cobra.Command{
	Use:   "show <addendum-id>",
	Short: "Show a staged addendum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Store.GetAddendum(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "addenda show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	},
}

// -- vault history --

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Inspect vault records",
}

var vaultHistoryCmd = &cobra.Command{
	Use:   "history <competitor-id> <field-key>",
	Short: "Show all vault versions for a fact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		key := vault.NaturalKey(args[0], args[1])
		versions, err := env.Store.ListVaultVersions(ctx, key)
		if err != nil {
			return eris.Wrap(err, "vault history")
		}

		if len(versions) == 0 {
			fmt.Fprintf(os.Stderr, "No vault records for %s.\n", key)
			return nil
		}

		formatVaultHistory(os.Stdout, versions)
		return nil
	},
}

func init() {
	addendaListCmd.Flags().String("run", "", "filter by run ID")
	addendaListCmd.Flags().String("validation", "", "filter by validation status (pending, validated, rejected, promoted)")
	addendaListCmd.Flags().Int("limit", 50, "max number of addenda to display")

	addendaCmd.AddCommand(addendaListCmd)
	addendaCmd.AddCommand(addendaShowCmd)
	vaultCmd.AddCommand(vaultHistoryCmd)

	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(addendaCmd)
	rootCmd.AddCommand(vaultCmd)
}

// formatAddendaList writes a tabular list of addenda to w.
func formatAddendaList(out io.Writer, addenda []model.VaultAddendum) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPETITOR\tFIELD\tSOURCE\tCONF\tVALIDATION\tCOMPLETE\tDQ")
	_, _ = fmt.Fprintln(w, "--\t----------\t-----\t------\t----\t----------\t--------\t--")

	for _, a := range addenda {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%t\t%t\n",
			truncateID(a.ID),
			a.CompetitorID,
			a.FieldKey,
			a.Source,
			a.Confidence,
			a.Validation,
			a.Complete,
			a.Disqualified,
		)
	}
	_ = w.Flush()
}

// formatVaultHistory writes a tabular version history to w.
func formatVaultHistory(out io.Writer, versions []model.VaultRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tSOURCE\tCONF\tLATEST\tPROMOTED")
	_, _ = fmt.Fprintln(w, "-------\t------\t----\t------\t--------")

	for _, v := range versions {
		latest := ""
		if v.IsLatest {
			latest = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n",
			truncateID(v.VersionHash),
			v.Source,
			v.Confidence,
			latest,
			v.PromotedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
