package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/recovery"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/spf13/cobra"
)

// ErrAborted is returned when the operator declines the confirmation prompt.
var ErrAborted = fault.New(fault.Validation, "restore aborted")

// timeLayouts are accepted by --end-time, in order.
var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the server from backups and binary logs",
	Long: `restore resolves a plan from the backup inventory, takes a safety backup of
the current data unless --no-backup-existing is given, and applies the plan.`,
}

// restoreFlags are shared by every restore subcommand.
type restoreFlags struct {
	destination string
	noBackup    bool
	yes         bool
	dryRun      bool
	// in answers the confirmation prompt, cmd.InOrStdin when nil.
	in io.Reader
}

func (f *restoreFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.destination, "destination", "d", "", "restore into this directory instead of the server's datadir (no binlog replay)")
	cmd.Flags().BoolVar(&f.noBackup, "no-backup-existing", false, "do not back up the current data before restoring")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the plan and exit")
}

func (f *restoreFlags) request(tables artifact.TableScope) recovery.Request {
	req := recovery.Request{Destination: f.destination, Policy: recovery.SnapshotFirst, Tables: tables}
	if f.noBackup {
		req.Policy = recovery.NoSnapshot
	}
	return req
}

var (
	restoreOpts restoreFlags

	rsBase       string
	rsIncrements []string
	rsEndTime    string
	rsPosition   string
	rsStart      string
	rsTables     string
	rsCrossTable bool
	rsStrict     bool
)

var restoreFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Restore a full backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return restorePlan(cmd, func(snapshot []artifact.Artifact) (*chain.Plan, error) {
			base := rsBase
			if base == "" {
				full, err := newestFull(snapshot)
				if err != nil {
					return nil, err
				}
				base = full.ID
			}
			return chain.ResolveChain(snapshot, base, nil)
		})
	},
}

var restoreIncrementalCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Restore a full backup and a chain of incrementals",
	Long: `Restore a full backup and a chain of incrementals. A single --incremental
restores every link between the base and that incremental.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if len(rsIncrements) == 0 {
			return fault.New(fault.Validation, "--incremental is required")
		}
		return restorePlan(cmd, func(snapshot []artifact.Artifact) (*chain.Plan, error) {
			base := rsBase
			if base == "" {
				root, err := rootOf(snapshot, rsIncrements[0])
				if err != nil {
					return nil, err
				}
				base = root
			}
			return chain.ResolveChain(snapshot, base, rsIncrements)
		})
	},
}

var restorePITRCmd = &cobra.Command{
	Use:     "point-in-time",
	Aliases: []string{"pitr"},
	Short:   "Restore to a point in time or a binary log position",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		target, err := parseTarget(rsEndTime, rsPosition)
		if err != nil {
			return err
		}
		tables, err := parseTables(rsTables)
		if err != nil {
			return err
		}
		opts := chain.Options{
			Tables:          tables,
			AllowCrossTable: rsCrossTable || cfg.Backup.AllowCrossTable,
			Strict:          cfg.Backup.StrictChains,
		}
		if cmd.Flags().Changed("strict") {
			opts.Strict = rsStrict
		}
		return restorePlan(cmd, func(snapshot []artifact.Artifact) (*chain.Plan, error) {
			return chain.Resolve(snapshot, target, opts)
		})
	},
}

var restoreBinlogCmd = &cobra.Command{
	Use:   "binlog",
	Short: "Replay captured binary logs onto the running server",
	Long: `Replay captured binary logs from --start-position up to --end-time or
--position, for a server whose data was restored by other means.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if rsStart == "" {
			return fault.New(fault.Validation, "--start-position is required")
		}
		from, err := artifact.ParsePosition(rsStart)
		if err != nil {
			return fault.Wrap(fault.Validation, err)
		}
		target, err := parseTarget(rsEndTime, rsPosition)
		if err != nil {
			return err
		}
		tables, err := parseTables(rsTables)
		if err != nil {
			return err
		}

		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		segs, err := chain.Segments(st.Snapshot(), from, target)
		if err != nil {
			return err
		}
		return restoreOpts.replay(cmd, st, &chain.Plan{Segments: segs, Target: target, Tables: tables})
	},
}

// restorePlan resolves a plan against the store, confirms it and executes it.
func restorePlan(cmd *cobra.Command, resolve func([]artifact.Artifact) (*chain.Plan, error)) error {
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	plan, err := resolve(st.Snapshot())
	if err != nil {
		return err
	}
	return restoreOpts.execute(cmd, st, plan)
}

// execute confirms plan and runs it.
func (f *restoreFlags) execute(cmd *cobra.Command, st *store.Store, plan *chain.Plan) error {
	if proceed, err := f.confirm(cmd, plan.Describe()); !proceed || err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log, st)
	if err != nil {
		return err
	}
	out := a.recoverer.Execute(cmd.Context(), plan, f.request(plan.Tables))
	printOutcome(cmd.OutOrStdout(), out)
	return out.Err
}

// replay confirms the segments of plan and replays them onto the server.
func (f *restoreFlags) replay(cmd *cobra.Command, st *store.Store, plan *chain.Plan) error {
	if proceed, err := f.confirm(cmd, describeReplay(plan)); !proceed || err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log, st)
	if err != nil {
		return err
	}
	out := a.recoverer.ReplayOnly(cmd.Context(), plan.Segments, plan.Target, f.request(plan.Tables))
	printOutcome(cmd.OutOrStdout(), out)
	return out.Err
}

// confirm prints the plan and reports whether to go ahead. A dry run stops here.
func (f *restoreFlags) confirm(cmd *cobra.Command, plan string) (bool, error) {
	w := cmd.OutOrStdout()
	fmt.Fprint(w, plan)
	if f.dryRun {
		return false, nil
	}
	if f.yes {
		return true, nil
	}
	dest := f.destination
	if dest == "" {
		dest = "the server data directory"
	}
	fmt.Fprintf(w, "This replaces the data in %s. Proceed? [y/N] ", dest)
	in := f.in
	if in == nil {
		in = cmd.InOrStdin()
	}
	ok, err := readYes(in)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrAborted
	}
	return true, nil
}

func readYes(r io.Reader) (bool, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func describeReplay(p *chain.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "replay to %s (tables %s)\n", p.Target, p.Tables)
	for _, s := range p.Segments {
		fmt.Fprintf(&b, "  %-12s %s  %s -> %s\n", s.Artifact.Kind, s.Artifact.ID, s.From, s.To)
	}
	return b.String()
}

func printOutcome(w io.Writer, out recovery.Outcome) {
	fmt.Fprintf(w, "recovery %s %s at stage %s\n", out.RunID, out.Status, out.Stage)
	if out.SnapshotID != "" {
		fmt.Fprintf(w, "  safety backup: %s\n", out.SnapshotID)
	}
	if out.PreviousData != "" {
		fmt.Fprintf(w, "  previous data moved to %s\n", out.PreviousData)
	}
	if out.StagingDir != "" {
		fmt.Fprintf(w, "  staging kept in %s\n", out.StagingDir)
	}
}

// parseTarget builds a recovery target from exactly one of the two flags.
func parseTarget(endTime, position string) (artifact.Target, error) {
	switch {
	case endTime != "" && position != "":
		return artifact.Target{}, fault.New(fault.Validation, "--end-time and --position are mutually exclusive")
	case endTime != "":
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, endTime, time.Local); err == nil {
				return artifact.AtTime(t), nil
			}
		}
		return artifact.Target{}, fault.New(fault.Validation, fmt.Sprintf("invalid --end-time %q", endTime))
	case position != "":
		p, err := artifact.ParsePosition(position)
		if err != nil {
			return artifact.Target{}, fault.Wrap(fault.Validation, err)
		}
		return artifact.AtPosition(p), nil
	}
	return artifact.Target{}, fault.New(fault.Validation, "one of --end-time or --position is required")
}

// newestFull returns the most recent complete full backup.
func newestFull(snapshot []artifact.Artifact) (artifact.Artifact, error) {
	var best artifact.Artifact
	for _, a := range snapshot {
		if a.Kind != artifact.KindFull || !a.Complete() {
			continue
		}
		if best.ID == "" || artifact.Compare(a, best) > 0 {
			best = a
		}
	}
	if best.ID == "" {
		return best, chain.ErrNotFound
	}
	return best, nil
}

// rootOf follows parent links from id up to its full backup.
func rootOf(snapshot []artifact.Artifact, id string) (string, error) {
	byID := make(map[string]artifact.Artifact, len(snapshot))
	for _, a := range snapshot {
		byID[a.ID] = a
	}
	for range len(snapshot) + 1 {
		a, ok := byID[id]
		if !ok {
			return "", fmt.Errorf("%w: %s", store.ErrNotFound, id)
		}
		if a.Parent == "" {
			return a.ID, nil
		}
		id = a.Parent
	}
	return "", fmt.Errorf("%w: parent cycle at %s", chain.ErrBrokenChain, id)
}

func init() {
	for _, c := range []*cobra.Command{restoreFullCmd, restoreIncrementalCmd, restorePITRCmd, restoreBinlogCmd} {
		restoreOpts.register(c)
	}

	restoreFullCmd.Flags().StringVarP(&rsBase, "base", "b", "", "full backup id (default: newest complete full)")

	restoreIncrementalCmd.Flags().StringVarP(&rsBase, "base", "b", "", "full backup id (default: root of the first incremental)")
	restoreIncrementalCmd.Flags().StringSliceVarP(&rsIncrements, "incremental", "i", nil, "incremental ids in apply order")

	restorePITRCmd.Flags().StringVar(&rsEndTime, "end-time", "", "recover up to this time (RFC 3339 or \"2006-01-02 15:04:05\")")
	restorePITRCmd.Flags().StringVar(&rsPosition, "position", "", "recover up to this binlog position, e.g. mysql-bin.000042:154")
	restorePITRCmd.Flags().StringVarP(&rsTables, "tables", "t", "", "restrict the recovery to these db.table patterns")
	restorePITRCmd.Flags().BoolVar(&rsCrossTable, "allow-cross-table", false, "accept a base covering more tables than requested")
	restorePITRCmd.Flags().BoolVar(&rsStrict, "strict", false, "fail instead of choosing between branched incrementals")

	restoreBinlogCmd.Flags().StringVar(&rsStart, "start-position", "", "position the data was restored to")
	restoreBinlogCmd.Flags().StringVar(&rsEndTime, "end-time", "", "replay up to this time")
	restoreBinlogCmd.Flags().StringVar(&rsPosition, "position", "", "replay up to this binlog position")
	restoreBinlogCmd.Flags().StringVarP(&rsTables, "tables", "t", "", "replay only these databases")

	restoreCmd.AddCommand(restoreFullCmd, restoreIncrementalCmd, restorePITRCmd, restoreBinlogCmd)
}
