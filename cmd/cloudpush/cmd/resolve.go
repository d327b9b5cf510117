package cmd

import (
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <name> <version>",
	Short: "Show the marketplace mappings of a release",
	Long: `Resolve queries the policy registry for every workflow mapping of
the given release and prints the accounts and destinations each image
would be pushed to.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		resolver, err := newPolicyResolver(cfg, logger)
		if err != nil {
			return err
		}

		entities, err := resolver.ResolveAll(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Workflow", "Cloud", "Account", "Destination", "Architecture"})
		for _, entity := range entities {
			accounts := make([]string, 0, len(entity.Mappings))
			for account := range entity.Mappings {
				accounts = append(accounts, account)
			}
			sort.Strings(accounts)
			for _, account := range accounts {
				for _, dst := range entity.Mappings[account].Destinations {
					t.AppendRow(table.Row{entity.Workflow, entity.Cloud, account, dst.Destination, dst.Architecture})
				}
			}
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 1, AutoMerge: true},
			{Number: 2, AutoMerge: true},
			{Number: 3, AutoMerge: true},
		})
		t.SetStyle(tableStyle())
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
