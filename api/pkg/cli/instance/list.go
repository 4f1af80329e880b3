package instance

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/client"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List instances",
	Long:    ``,
	RunE: func(cmd *cobra.Command, _ []string) error {
		apiClient, err := client.NewClientFromEnv()
		if err != nil {
			return err
		}

		instances, err := apiClient.ListInstances(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("ID", "Status", "Created", "Last Access")

		for _, inst := range instances {
			row := []string{
				inst.ID,
				string(inst.Status),
				humanize.Time(fromUnixSeconds(inst.CreatedAt)),
				humanize.Time(fromUnixSeconds(inst.LastAccess)),
			}
			if err := table.Append(row); err != nil {
				return err
			}
		}

		return table.Render()
	},
}

func fromUnixSeconds(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(seconds*float64(time.Second)))
}

