package system

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:     "system",
	Short:   "Inspect a running deskpool server",
	Aliases: []string{"sys"},
	Long:    `Reports pool usage and host dependency health of the server at DESKPOOL_URL.`,
}

func New() *cobra.Command {
	return rootCmd
}
