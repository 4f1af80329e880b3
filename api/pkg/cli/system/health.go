package system

import (
	"fmt"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/client"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check host binaries and the bootstrap script",
	RunE: func(cmd *cobra.Command, _ []string) error {
		apiClient, err := client.NewClientFromEnv()
		if err != nil {
			return err
		}

		health, err := apiClient.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get health: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Status: %s, %d instances\n\n", health.Status, health.Instances)

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("Kind", "Name", "Available")
		if err := appendChecks(table, "binary", health.Dependencies); err != nil {
			return err
		}
		if err := appendChecks(table, "script", health.Scripts); err != nil {
			return err
		}
		return table.Render()
	},
}

func appendChecks(table *tablewriter.Table, kind string, checks map[string]bool) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		available := "yes"
		if !checks[name] {
			available = "NO"
		}
		if err := table.Append([]string{kind, name, available}); err != nil {
			return err
		}
	}
	return nil
}
