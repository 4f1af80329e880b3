package deskpool

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/data"
)

func NewVersionCommand() *cobra.Command {
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(data.GetVersion())
		},
	}
	return versionCmd
}
