package instance

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "instances",
	Short:   "Inspect and terminate desktop instances",
	Aliases: []string{"instance", "i"},
	Long:    `Talks to the management API of a running deskpool server, set DESKPOOL_URL to point at it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// By default run the list command
		return listCmd.RunE(cmd, args)
	},
}

func New() *cobra.Command {
	return rootCmd
}
