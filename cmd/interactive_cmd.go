package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/spf13/cobra"
)

// ErrNoAnswer is returned when input ends before a question is answered.
var ErrNoAnswer = fault.New(fault.Validation, "no answer on standard input")

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Walk through a backup, restore or listing step by step",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		p := newPrompter(cmd)
		action, err := p.choose("What do you want to do", []string{"backup", "restore", "list"}, "backup")
		if err != nil {
			return err
		}
		st, err := openStore(cfg, log)
		if err != nil {
			return err
		}
		switch action {
		case "backup":
			return guidedBackup(cmd, p, st)
		case "restore":
			return guidedRestore(cmd, p, st)
		}
		return render(cmd.OutOrStdout(), formatTable, newListing(st.List(store.Filter{}), chain.Coverage(st.Snapshot())))
	},
}

func guidedBackup(cmd *cobra.Command, p *prompter, st *store.Store) error {
	kind, err := p.choose("Backup type", []string{"full", "incremental", "binlog"}, "full")
	if err != nil {
		return err
	}
	var (
		tables = artifact.All()
		base   string
	)
	switch kind {
	case "full":
		if tables, err = p.tables("Tables to back up (db.table, comma separated, empty for all)"); err != nil {
			return err
		}
	case "incremental":
		b, err := p.pick("Base backup", completed(st.Snapshot(), artifact.KindFull, artifact.KindIncremental))
		if err != nil {
			return err
		}
		base = b.ID
	}

	a, err := newApp(cmd.Context(), cfg, log, st)
	if err != nil {
		return err
	}
	var done artifact.Artifact
	switch kind {
	case "full":
		done, err = a.backups.RunFull(cmd.Context(), tables)
	case "incremental":
		done, err = a.backups.RunIncremental(cmd.Context(), base)
	default:
		done, err = a.backups.RunBinlogCapture(cmd.Context())
	}
	if err != nil {
		return err
	}
	printArtifact(cmd, done)
	return nil
}

func guidedRestore(cmd *cobra.Command, p *prompter, st *store.Store) error {
	kind, err := p.choose("Restore type", []string{"full", "incremental", "point-in-time", "binlog"}, "full")
	if err != nil {
		return err
	}
	snap := st.Snapshot()
	plan, err := guidedPlan(p, kind, snap)
	if err != nil {
		return err
	}

	opts := restoreFlags{in: p.in}
	if kind == "binlog" {
		return opts.replay(cmd, st, plan)
	}
	if len(plan.Segments) == 0 {
		if opts.destination, err = p.line("Destination directory (empty for the server data directory)", ""); err != nil {
			return err
		}
	}
	keep, err := p.yesNo("Back up the current data first", true)
	if err != nil {
		return err
	}
	opts.noBackup = !keep
	return opts.execute(cmd, st, plan)
}

func guidedPlan(p *prompter, kind string, snap []artifact.Artifact) (*chain.Plan, error) {
	switch kind {
	case "full":
		full, err := p.pick("Full backup to restore", completed(snap, artifact.KindFull))
		if err != nil {
			return nil, err
		}
		return chain.ResolveChain(snap, full.ID, nil)
	case "incremental":
		inc, err := p.pick("Restore up to incremental", completed(snap, artifact.KindIncremental))
		if err != nil {
			return nil, err
		}
		root, err := rootOf(snap, inc.ID)
		if err != nil {
			return nil, err
		}
		return chain.ResolveChain(snap, root, []string{inc.ID})
	case "point-in-time":
		target, err := p.target("Recover up to (time or binlog position)")
		if err != nil {
			return nil, err
		}
		tables, err := p.tables("Tables to recover (db.table, comma separated, empty for all)")
		if err != nil {
			return nil, err
		}
		return chain.Resolve(snap, target, chain.Options{
			Tables:          tables,
			AllowCrossTable: cfg.Backup.AllowCrossTable,
			Strict:          cfg.Backup.StrictChains,
		})
	}

	answer, err := p.line("Replay from binlog position", "")
	if err != nil {
		return nil, err
	}
	from, err := artifact.ParsePosition(answer)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err)
	}
	target, err := p.target("Replay up to (time or binlog position)")
	if err != nil {
		return nil, err
	}
	tables, err := p.tables("Databases to replay (db.*, comma separated, empty for all)")
	if err != nil {
		return nil, err
	}
	segs, err := chain.Segments(snap, from, target)
	if err != nil {
		return nil, err
	}
	return &chain.Plan{Segments: segs, Target: target, Tables: tables}, nil
}

// completed returns the complete artifacts of kinds, newest first.
func completed(snap []artifact.Artifact, kinds ...artifact.Kind) []artifact.Artifact {
	var out []artifact.Artifact
	for _, a := range snap {
		if a.Complete() && slices.Contains(kinds, a.Kind) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b artifact.Artifact) int { return artifact.Compare(b, a) })
	return out
}

// parseAnyTarget reads a recovery target given either as a time or as a
// binary log position.
func parseAnyTarget(s string) (artifact.Target, error) {
	if t, err := parseTarget(s, ""); err == nil {
		return t, nil
	}
	if t, err := parseTarget("", s); err == nil {
		return t, nil
	}
	return artifact.Target{}, fault.New(fault.Validation, fmt.Sprintf("%q is neither a time nor a binlog position", s))
}

// prompter asks questions on a line based terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
}

// line returns the trimmed answer to question, or def when it is empty.
func (p *prompter) line(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	s, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s != "" {
		return s, nil
	}
	if err != nil && def == "" {
		return "", ErrNoAnswer
	}
	return def, nil
}

// choose asks until the answer names one of options, by name or number.
func (p *prompter) choose(question string, options []string, def string) (string, error) {
	for i, o := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, o)
	}
	for {
		answer, err := p.line(question, def)
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		for _, o := range options {
			if strings.EqualFold(answer, o) {
				return o, nil
			}
		}
		fmt.Fprintf(p.out, "Please answer one of: %s\n", strings.Join(options, ", "))
	}
}

func (p *prompter) yesNo(question string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		answer, err := p.line(question+" ("+hint+")", "")
		if errors.Is(err, ErrNoAnswer) {
			return def, nil
		}
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		case "":
			return def, nil
		}
		fmt.Fprintln(p.out, "Please answer y or n")
	}
}

func (p *prompter) tables(question string) (artifact.TableScope, error) {
	for {
		answer, err := p.line(question, "")
		if errors.Is(err, ErrNoAnswer) {
			return artifact.All(), nil
		}
		if err != nil {
			return nil, err
		}
		scope, err := parseTables(answer)
		if err == nil {
			return scope, nil
		}
		fmt.Fprintln(p.out, err)
	}
}

func (p *prompter) target(question string) (artifact.Target, error) {
	for {
		answer, err := p.line(question, "")
		if err != nil {
			return artifact.Target{}, err
		}
		if answer == "" {
			continue
		}
		t, err := parseAnyTarget(answer)
		if err == nil {
			return t, nil
		}
		fmt.Fprintln(p.out, err)
	}
}

// pick lists items and returns the one chosen by number or id. The first
// item is the default.
func (p *prompter) pick(question string, items []artifact.Artifact) (artifact.Artifact, error) {
	if len(items) == 0 {
		return artifact.Artifact{}, fmt.Errorf("%w: nothing to choose from", store.ErrNotFound)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	for i, a := range items {
		fmt.Fprintf(tw, "  %d)\t%s\t%s\t%s\t%s\ttables %s\n", i+1, a.ID, a.CreatedAt.Local().Format("2006-01-02 15:04"),
			a.End, humanize.Bytes(uint64(max(a.Size, 0))), a.Tables)
	}
	if err := tw.Flush(); err != nil {
		return artifact.Artifact{}, err
	}
	for {
		answer, err := p.line(question, "1")
		if err != nil {
			return artifact.Artifact{}, err
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(items) {
			return items[n-1], nil
		}
		for _, a := range items {
			if a.ID == answer {
				return a, nil
			}
		}
		fmt.Fprintf(p.out, "Please answer a number between 1 and %d or an artifact id\n", len(items))
	}
}
