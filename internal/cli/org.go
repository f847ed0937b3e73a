package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cci/internal/salesforce"
)

func (a *app) newOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Inspect the configured org",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print the object count and whether person accounts are enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			org, err := a.newOrg(a.cfg, a.log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			objs, err := org.DescribeGlobal(ctx)
			if err != nil {
				return err
			}
			person, err := salesforce.IsPersonAccountsEnabled(ctx, org)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sobjects\t%d\n", len(objs))
			fmt.Fprintf(out, "person_accounts\t%t\n", person)
			return nil
		},
	})
	return cmd
}
