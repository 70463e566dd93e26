package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/schedule"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run backups, binlog captures and retention on the configured schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log, nil)
		if err != nil {
			return err
		}
		d, err := schedule.New(cfg, a.backups, a.cleaner, log.With("component", "schedule"))
		if err != nil {
			// Empty or unparsable schedule section.
			return fault.Wrap(fault.Validation, err)
		}
		log.Info("daemon started", "jobs", d.Entries(), "root", a.store.Root())
		return d.Run(ctx)
	},
}
