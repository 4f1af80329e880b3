package deskpool

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/helixml/deskpool/api/pkg/allocator"
	"github.com/helixml/deskpool/api/pkg/config"
	"github.com/helixml/deskpool/api/pkg/diagnostics"
	"github.com/helixml/deskpool/api/pkg/janitor"
	"github.com/helixml/deskpool/api/pkg/metrics"
	"github.com/helixml/deskpool/api/pkg/prober"
	"github.com/helixml/deskpool/api/pkg/reaper"
	"github.com/helixml/deskpool/api/pkg/registry"
	"github.com/helixml/deskpool/api/pkg/server"
	"github.com/helixml/deskpool/api/pkg/supervisor"
	"github.com/helixml/deskpool/api/pkg/system"
)

// shutdownTimeout bounds tearing down every instance on exit
const shutdownTimeout = 30 * time.Second

func NewServeConfig() (*config.ServerConfig, error) {
	serverConfig, err := config.LoadServerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load server config: %v", err)
	}
	if err := serverConfig.Validate(); err != nil {
		return nil, err
	}
	return &serverConfig, nil
}

func NewServeCmd() *cobra.Command {
	envHelpText := generateEnvHelpText(&config.ServerConfig{}, "")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the deskpool server.",
		Long:    "Start the deskpool server.",
		Example: "MAX_INSTANCES=10 deskpool serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			serveConfig, err := NewServeConfig()
			if err != nil {
				return err
			}
			err = serve(cmd, serveConfig)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}

	serveCmd.Long += "\n\nEnvironment Variables:\n\n" + envHelpText

	return serveCmd
}

// prepareInstancesDir wipes work directories left by a previous run. No
// instance survives a restart, so nothing in there is still owned.
func prepareInstancesDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clean instances dir %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create instances dir %s: %w", dir, err)
	}
	return nil
}

func serve(cmd *cobra.Command, cfg *config.ServerConfig) error {
	system.SetupLogging(cfg.LogLevel, cfg.LogPretty)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer cancel()

	if err := prepareInstancesDir(cfg.Instances.Dir); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	janitor := janitor.NewJanitor(janitor.JanitorOptions{
		SentryDSN:       cfg.Janitor.SentryDSN,
		SlackWebhookURL: cfg.Janitor.SlackWebhookURL,
		Hostname:        hostname,
	})
	if err := janitor.Initialize(); err != nil {
		return err
	}

	var collector metrics.Collector = metrics.NewNoop()
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector("deskpool", cfg.Pool.MaxInstances)
	}

	alloc, err := allocator.New(allocator.Options{
		PoolSize:      cfg.Pool.MaxInstances,
		BaseDisplay:   cfg.Pool.BaseDisplay,
		BaseVNCPort:   cfg.Pool.BaseVNCPort,
		BaseNoVNCPort: cfg.Pool.BaseNoVNCPort,
	})
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Options{
		Bootstrap:   cfg.Instances.BootstrapScript,
		GracePeriod: cfg.Instances.GracePeriod,
	})
	if err != nil {
		return err
	}

	diag := diagnostics.New(diagnostics.Options{
		EventHistory: cfg.Diagnostics.EventHistory,
		TailLines:    cfg.Diagnostics.TailLines,
	})
	defer diag.Close()

	reg, err := registry.New(registry.Options{
		Allocator:     alloc,
		Supervisor:    sup,
		Prober:        prober.New(),
		Diagnostics:   diag,
		Metrics:       collector,
		InstancesDir:  cfg.Instances.Dir,
		NamePrefix:    cfg.Instances.NamePrefix,
		ReadyTimeout:  cfg.Instances.ReadyTimeout,
		ReadyPoll:     cfg.Instances.ReadyPoll,
		RemoveWorkDir: cfg.Instances.RemoveWorkDir,
	})
	if err != nil {
		return err
	}

	idleReaper, err := reaper.New(reaper.Options{
		Registry:    reg,
		IdleTimeout: cfg.Reaper.IdleTimeout,
		Interval:    cfg.Reaper.Interval,
		Concurrency: cfg.Reaper.Concurrency,
		Metrics:     collector,
	})
	if err != nil {
		return err
	}
	if err := idleReaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	apiServer, err := server.NewServer(server.Options{
		Config:   cfg,
		Registry: reg,
		Events:   diag,
		Janitor:  janitor,
		Metrics:  collector,
	})
	if err != nil {
		return err
	}

	log.Info().
		Int("max_instances", cfg.Pool.MaxInstances).
		Str("instances_dir", cfg.Instances.Dir).
		Str("bootstrap", cfg.Instances.BootstrapScript).
		Dur("idle_timeout", cfg.Reaper.IdleTimeout).
		Msg("starting deskpool")

	serveErr := apiServer.ListenAndServe(ctx)
	cancel()

	log.Info().Int("instances", reg.Count()).Msg("shutting down, terminating all instances")

	if err := idleReaper.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop reaper")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to terminate all instances")
	}

	return serveErr
}
