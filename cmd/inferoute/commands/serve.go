package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newServeCmd creates the `inferoute serve` command that runs the queue
// worker daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue worker daemon",
		Long: `Start inferoute as a daemon: it drains the work queue, runs the
pipeline for each queued message, requeues stuck jobs, and sweeps expired
media on a schedule.

Examples:
  inferoute serve
  inferoute serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("inferoute daemon starting", "database", a.Config.Database.Path)

	err = a.NewWorker().Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
