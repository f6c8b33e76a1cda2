package app

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	daemon "github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

const defaultGracefulTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler until interrupted",
		Long: `Run the background scheduler: queued items are sent on the configured
interval and whenever a retry comes due. When metrics are enabled, a
prometheus endpoint is served at /metrics. The control API on api.address
lists and resolves pending conflicts.`,
		RunE: runDaemon,
	}
	cmd.Flags().Duration("shutdown-timeout", defaultGracefulTimeout, "Time allowed for a graceful shutdown")
	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("shutdown-timeout")
	if err != nil {
		return err
	}

	a, err := daemon.New(loadedConfig)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		_ = a.Stop(timeout)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logging.Info("Received shutdown signal", nil)
	return a.Stop(timeout)
}
