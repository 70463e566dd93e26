package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/retention"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

// tabular is implemented by views that know how to print themselves as a table.
type tabular interface {
	table(w io.Writer, now time.Time) error
}

func render(w io.Writer, format string, v tabular) error {
	switch format {
	case formatTable, "":
		return v.table(w, time.Now())
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return fault.New(fault.Validation, fmt.Sprintf("unknown output format %q", format))
}

type artifactRow struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      string    `json:"kind" yaml:"kind"`
	Status    string    `json:"status" yaml:"status"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Parent    string    `json:"parent,omitempty" yaml:"parent,omitempty"`
	Tables    string    `json:"tables" yaml:"tables"`
	Start     string    `json:"start" yaml:"start"`
	End       string    `json:"end" yaml:"end"`
	Size      int64     `json:"size_bytes" yaml:"size_bytes"`
	Location  string    `json:"location" yaml:"location"`
	Archived  bool      `json:"archived" yaml:"archived"`
}

type windowRow struct {
	From     string   `json:"from" yaml:"from"`
	To       string   `json:"to" yaml:"to"`
	Segments []string `json:"segments" yaml:"segments"`
}

// listing is the output of "backup list".
type listing struct {
	Artifacts []artifactRow `json:"artifacts" yaml:"artifacts"`
	Coverage  []windowRow   `json:"binlog_coverage" yaml:"binlog_coverage"`
}

func newListing(items []artifact.Artifact, windows []chain.Window) listing {
	l := listing{Artifacts: []artifactRow{}, Coverage: []windowRow{}}
	for _, a := range items {
		l.Artifacts = append(l.Artifacts, artifactRow{
			ID:        a.ID,
			Kind:      string(a.Kind),
			Status:    string(a.Status),
			Reason:    a.Reason,
			CreatedAt: a.CreatedAt,
			Parent:    a.Parent,
			Tables:    a.Tables.String(),
			Start:     a.Start.String(),
			End:       a.End.String(),
			Size:      a.Size,
			Location:  a.Location,
			Archived:  a.Archived,
		})
	}
	for _, w := range windows {
		l.Coverage = append(l.Coverage, windowRow{From: w.From.String(), To: w.To.String(), Segments: w.Segments})
	}
	return l
}

func (l listing) table(w io.Writer, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCREATED\tSIZE\tTABLES\tSTART\tEND\tPARENT")
	for _, r := range l.Artifacts {
		status := r.Status
		if r.Archived {
			status += " (archived)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, status, humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
			humanize.Bytes(uint64(max(r.Size, 0))), r.Tables, r.Start, r.End, dash(r.Parent))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(l.Coverage) == 0 {
		_, err := fmt.Fprintln(w, "\nbinlog coverage: none")
		return err
	}
	fmt.Fprintln(w, "\nbinlog coverage:")
	for i, c := range l.Coverage {
		fmt.Fprintf(w, "  %s -> %s (%d segments)\n", c.From, c.To, len(c.Segments))
		if i+1 < len(l.Coverage) {
			fmt.Fprintf(w, "  gap %s -> %s\n", c.To, l.Coverage[i+1].From)
		}
	}
	return nil
}

// cleanView is the output of "backup clean".
type cleanView struct {
	Cutoff  time.Time         `json:"cutoff" yaml:"cutoff"`
	DryRun  bool              `json:"dry_run" yaml:"dry_run"`
	Delete  []string          `json:"candidates" yaml:"candidates"`
	Deleted []string          `json:"deleted" yaml:"deleted"`
	Kept    map[string]string `json:"kept,omitempty" yaml:"kept,omitempty"`
}

func reportView(r retention.Report) cleanView {
	return cleanView{Cutoff: r.Cutoff, DryRun: r.DryRun, Delete: r.Candidates, Deleted: r.Deleted, Kept: r.Kept}
}

func (c cleanView) table(w io.Writer, _ time.Time) error {
	verb := "deleted"
	ids := c.Deleted
	if c.DryRun {
		verb = "would delete"
		ids = c.Delete
	}
	fmt.Fprintf(w, "cutoff %s: %s %d artifact(s)\n", c.Cutoff.UTC().Format(time.RFC3339), verb, len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  %s\n", id)
	}
	if len(c.Kept) == 0 {
		return nil
	}
	kept := make([]string, 0, len(c.Kept))
	for id := range c.Kept {
		kept = append(kept, id)
	}
	sort.Strings(kept)
	fmt.Fprintln(w, "kept:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, id := range kept {
		fmt.Fprintf(tw, "  %s\t%s\n", id, strings.TrimSpace(c.Kept[id]))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
