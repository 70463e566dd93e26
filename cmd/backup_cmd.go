package cmd

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/operations"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take backups and manage the backup inventory",
}

var (
	fullTables  string
	fullGroups  []string
	incBase     string
	listKinds   []string
	listStatus  []string
	listTables  string
	listSince   string
	listOutput  string
	cleanDays   int
	cleanDryRun bool
	cleanOutput string
)

var backupFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Take a full backup",
	Long: `Take a full backup of every table, of the tables given with --tables,
or one backup per --group, running up to backup.parallelism at once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if fullTables != "" && len(fullGroups) > 0 {
			return fault.New(fault.Validation, "--tables and --group are mutually exclusive")
		}
		a, err := newApp(cmd.Context(), cfg, log, nil)
		if err != nil {
			return err
		}

		if len(fullGroups) > 0 {
			scopes := make([]artifact.TableScope, 0, len(fullGroups))
			for _, g := range fullGroups {
				s, err := parseTables(g)
				if err != nil {
					return err
				}
				scopes = append(scopes, s)
			}
			done, err := a.backups.RunFullGroups(cmd.Context(), scopes)
			for _, d := range done {
				printArtifact(cmd, d)
			}
			return err
		}

		tables, err := parseTables(fullTables)
		if err != nil {
			return err
		}
		done, err := a.backups.RunFull(cmd.Context(), tables)
		if err != nil {
			return err
		}
		printArtifact(cmd, done)
		return nil
	},
}

var backupIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Take an incremental backup on top of an existing one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, log, nil)
		if err != nil {
			return err
		}
		done, err := a.backups.RunIncremental(cmd.Context(), incBase)
		if err != nil {
			return err
		}
		printArtifact(cmd, done)
		return nil
	},
}

var backupBinlogCmd = &cobra.Command{
	Use:   "binlog",
	Short: "Capture the binary logs closed since the last capture",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg, log, nil)
		if err != nil {
			return err
		}
		done, err := a.backups.RunBinlogCapture(cmd.Context())
		if err != nil {
			return err
		}
		printArtifact(cmd, done)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts and binary log coverage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := listFilter()
		if err != nil {
			return err
		}
		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		items := st.List(f)
		return render(cmd.OutOrStdout(), listOutput, newListing(items, chain.Coverage(st.Snapshot())))
	},
}

var backupCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete expired artifacts that no chain or log window still needs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan := cfg.Retention()
		if cmd.Flags().Changed("days") {
			if cleanDays < 0 {
				return fault.New(fault.Validation, "--days must not be negative")
			}
			olderThan = time.Duration(cleanDays) * 24 * time.Hour
		}
		a, err := newApp(cmd.Context(), cfg, log, nil)
		if err != nil {
			return err
		}
		rep, err := a.cleaner.Clean(cmd.Context(), olderThan, cleanDryRun)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), cleanOutput, reportView(rep))
	},
}

func listFilter() (store.Filter, error) {
	var f store.Filter
	for _, k := range listKinds {
		kind, err := artifact.ParseKind(k)
		if err != nil {
			return f, fault.Wrap(fault.Validation, err)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	for _, s := range listStatus {
		status := artifact.Status(s)
		switch status {
		case artifact.StatusInProgress, artifact.StatusComplete, artifact.StatusFailed:
		default:
			return f, fault.New(fault.Validation, fmt.Sprintf("unknown status %q", s))
		}
		f.Statuses = append(f.Statuses, status)
	}
	tables, err := parseTables(listTables)
	if err != nil {
		return f, err
	}
	f.Tables = tables
	if listSince != "" {
		since, err := parseSince(listSince, time.Now())
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	return f, nil
}

// parseSince accepts an RFC 3339 time or a duration before now, e.g. "48h".
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, fault.New(fault.Validation, fmt.Sprintf("invalid --since %q", s))
	}
	return now.Add(-d), nil
}

func parseTables(s string) (artifact.TableScope, error) {
	if strings.TrimSpace(s) == "" {
		return artifact.All(), nil
	}
	scope, err := artifact.ParseTableScope(s)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err)
	}
	return scope, nil
}

func printArtifact(cmd *cobra.Command, a artifact.Artifact) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s, %s -> %s)\n",
		a.Kind, a.ID, a.Status, humanize.Bytes(uint64(max(a.Size, 0))), a.Start, a.End)
}

func init() {
	backupFullCmd.Flags().
		StringVarP(&fullTables, "tables", "t", "", "comma separated db.table patterns to back up")
	backupFullCmd.Flags().
		StringArrayVarP(&fullGroups, "group", "g", nil, "back up this table group as its own full (repeatable)")

	backupIncrementalCmd.Flags().
		StringVarP(&incBase, "base", "b", operations.LatestBase, "base artifact id, or \"latest\"")

	backupListCmd.Flags().StringSliceVar(&listKinds, "kind", nil, "only these kinds (full, incremental, binlog)")
	backupListCmd.Flags().StringSliceVar(&listStatus, "status", nil, "only these statuses")
	backupListCmd.Flags().StringVarP(&listTables, "tables", "t", "", "only artifacts covering these tables")
	backupListCmd.Flags().StringVar(&listSince, "since", "", "only artifacts created after this time or duration ago")
	backupListCmd.Flags().StringVarP(&listOutput, "output", "o", formatTable, "output format: table, yaml or json")

	backupCleanCmd.Flags().IntVar(&cleanDays, "days", 0, "retention in days (default backup.retention_days)")
	backupCleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "report what would be deleted without deleting")
	backupCleanCmd.Flags().StringVarP(&cleanOutput, "output", "o", formatTable, "output format: table, yaml or json")

	backupCmd.AddCommand(backupFullCmd, backupIncrementalCmd, backupBinlogCmd, backupListCmd, backupCleanCmd)
}
