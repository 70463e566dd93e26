package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that xtrabackup, mysql and mysqlbinlog can be run",
	Long: `check runs every external tool with --version, inside the configured
container when container.enabled is set, and reports what it found.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tools, err := executor.Require(cmd.Context(), executor.New(cfg.Container), requiredTools(cfg)...)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tSTATUS\tVERSION")
		for _, t := range tools {
			status := "ok"
			if t.Err != nil {
				status = "missing"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, status, dash(t.Version))
		}
		if ferr := tw.Flush(); ferr != nil {
			return ferr
		}
		return err
	},
}
