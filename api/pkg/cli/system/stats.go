package system

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/helixml/deskpool/api/pkg/client"
)

func init() {
	rootCmd.AddCommand(NewStatsCmd())
}

// NewStatsCmd is also mounted at the top level as a shortcut
func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool usage",
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	apiClient, err := client.NewClientFromEnv()
	if err != nil {
		return err
	}

	stats, err := apiClient.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	startedAt := time.Now().Add(-time.Duration(stats.Uptime * float64(time.Second)))
	fmt.Fprintf(cmd.OutOrStdout(), "Instances: %d / %d\n", stats.ActiveInstances, stats.MaxInstances)
	fmt.Fprintf(cmd.OutOrStdout(), "Started:   %s\n", humanize.Time(startedAt))
	return nil
}
