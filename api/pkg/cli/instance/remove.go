package instance

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/client"
)

func init() {
	rootCmd.AddCommand(removeCmd)
}

var removeCmd = &cobra.Command{
	Use:     "remove <id>...",
	Aliases: []string{"rm", "delete"},
	Short:   "Terminate instances",
	Long:    ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("instance ID is required")
		}

		apiClient, err := client.NewClientFromEnv()
		if err != nil {
			return err
		}

		for _, id := range args {
			if err := apiClient.DeleteInstance(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete instance %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Instance %s deleted\n", id)
		}

		return nil
	},
}
