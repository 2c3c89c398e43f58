package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/canon-cli/internal/party"
	"github.com/sells-group/canon-cli/internal/store"
)

var (
	partiesKind    string
	partiesCountry string
	partiesLimit   int
)

var partiesCmd = &cobra.Command{
	Use:   "parties",
	Short: "List canonical parties",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		parties, err := st.ListParties(ctx, store.PartyFilter{
			Kind:        party.Kind(partiesKind),
			CountryCode: partiesCountry,
			Limit:       partiesLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PARTY ID\tKIND\tNAME\tCOUNTRY\tSOURCE")
		for _, p := range parties {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.Kind, p.DisplayName, p.CountryCode, p.Provenance.Source)
		}
		return w.Flush()
	},
}

var partyCmd = &cobra.Command{
	Use:   "party <id>",
	Short: "Show one canonical party with aliases, roles and contacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		id := args[0]
		p, err := st.GetParty(ctx, id)
		if err != nil {
			return err
		}
		aliases, err := st.AliasesForParty(ctx, id)
		if err != nil {
			return err
		}
		roles, err := st.RolesForParty(ctx, id)
		if err != nil {
			return err
		}
		contacts, err := st.ContactsForParty(ctx, id)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"party":    p,
			"aliases":  aliases,
			"roles":    roles,
			"contacts": contacts,
		})
	},
}

func init() {
	partiesCmd.Flags().StringVar(&partiesKind, "kind", "", "filter by kind (organization or individual)")
	partiesCmd.Flags().StringVar(&partiesCountry, "country", "", "filter by ISO country code")
	partiesCmd.Flags().IntVar(&partiesLimit, "limit", 100, "maximum parties to list")
	rootCmd.AddCommand(partiesCmd)
	rootCmd.AddCommand(partyCmd)
}
