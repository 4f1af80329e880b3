package deskpool

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/cli/instance"
	"github.com/helixml/deskpool/api/pkg/cli/system"
)

var Fatal = FatalErrorHandler

func NewRootCmd() *cobra.Command {
	RootCmd := &cobra.Command{
		Use:   getCommandLineExecutable(),
		Short: "Deskpool",
		Long:  `Multi-session remote desktop pool`,
	}

	RootCmd.AddCommand(NewServeCmd())
	RootCmd.AddCommand(NewVersionCommand())

	// Management commands talking to a running server
	RootCmd.AddCommand(instance.New())
	RootCmd.AddCommand(system.New())
	RootCmd.AddCommand(system.NewStatsCmd()) // Shortcut for system stats

	return RootCmd
}

func Execute() {
	RootCmd := NewRootCmd()
	RootCmd.SetContext(context.Background())
	RootCmd.SetOutput(os.Stdout)

	if err := RootCmd.Execute(); err != nil {
		Fatal(RootCmd, err.Error(), 1)
	}
}
