package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/operations"
	"github.com/spf13/cobra"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "/etc/hotbackup/config.yaml"

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string

	cfg config.Config
	log = logger.Nop()

	// rootCmd is the base command for hotbackup.
	rootCmd = &cobra.Command{
		Use:   "hotbackup",
		Short: "Hot backup and point-in-time recovery for MySQL",
		Long: `hotbackup takes full and incremental xtrabackup copies, captures
binary logs, and restores a server to any covered point in time.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer logger.Cleanup()

	err := rootCmd.Execute()
	switch {
	case err == nil:
		return fault.ExitOK
	case errors.Is(err, operations.ErrNoNewData):
		log.Info("nothing to do", "reason", err)
		return fault.ExitOK
	}
	log.Error("command failed", "error", err, "class", string(fault.ClassOf(err)))
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	return fault.ExitCode(err)
}

// setup loads the configuration and the logger before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	if err := cfg.Load(ConfigFile); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	if err := cfg.Validate(); err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	l, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return fault.Wrap(fault.Validation, err)
	}
	log = l.With("command", cmd.CommandPath())
	return nil
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", DefaultConfigFile, "path to YAML config file")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fault.Wrap(fault.Validation, err)
	})

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(interactiveCmd)
}
