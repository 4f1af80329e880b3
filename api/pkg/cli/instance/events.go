package instance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/client"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show the lifecycle events recorded for an instance",
	Long:  ``,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiClient, err := client.NewClientFromEnv()
		if err != nil {
			return err
		}

		events, err := apiClient.InstanceEvents(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get events: %w", err)
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("Time", "Event", "Details")

		for _, event := range events {
			if err := table.Append([]string{
				event.Time.Format("15:04:05.000"),
				event.Event,
				formatFields(event.Fields),
			}); err != nil {
				return err
			}
		}

		return table.Render()
	},
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}
