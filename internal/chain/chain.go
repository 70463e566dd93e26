// Package chain plans recoveries. Every function here is a pure computation
// over a store snapshot: nothing touches the filesystem or runs a process.
package chain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/fault"
)

var (
	ErrNotFound       = fault.New(fault.Dependency, "no usable full backup")
	ErrAmbiguousChain = fault.New(fault.Consistency, "ambiguous chain")
	ErrLogGapDetected = fault.New(fault.Consistency, "binary log gap detected")
	ErrBrokenChain    = fault.New(fault.Consistency, "broken chain")
	ErrInvalidTarget  = fault.New(fault.Validation, "invalid recovery target")
)

// Options tune how Resolve picks chain members.
type Options struct {
	// Tables restricts the recovery. Empty means every table.
	Tables artifact.TableScope
	// AllowCrossTable accepts a full whose scope is a strict superset of
	// Tables instead of requiring an exact match.
	AllowCrossTable bool
	// Strict refuses to pick between incrementals sharing a parent.
	Strict bool
}

// Segment is the part of a binlog artifact a plan replays.
type Segment struct {
	Artifact artifact.Artifact
	From     artifact.Position
	To       artifact.Position
}

// Plan is an ordered recovery: a full, its incrementals in chain order, and
// the binlog segments that carry the result forward to the target.
type Plan struct {
	Base         artifact.Artifact
	Incrementals []artifact.Artifact
	Segments     []Segment
	Target       artifact.Target
	Tables       artifact.TableScope
}

// Artifacts returns every artifact the plan uses, in apply order.
func (p *Plan) Artifacts() []artifact.Artifact {
	out := make([]artifact.Artifact, 0, 1+len(p.Incrementals)+len(p.Segments))
	out = append(out, p.Base)
	out = append(out, p.Incrementals...)
	for _, s := range p.Segments {
		out = append(out, s.Artifact)
	}
	return out
}

// Tip is the last full or incremental applied before log replay.
func (p *Plan) Tip() artifact.Artifact {
	if n := len(p.Incrementals); n > 0 {
		return p.Incrementals[n-1]
	}
	return p.Base
}

// Describe renders the plan one step per line.
func (p *Plan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "target: %s (tables %s)\n", p.Target, p.Tables)
	fmt.Fprintf(&b, "  %-12s %s  at %s\n", p.Base.Kind, p.Base.ID, p.Base.End)
	for _, inc := range p.Incrementals {
		fmt.Fprintf(&b, "  %-12s %s  %s -> %s\n", inc.Kind, inc.ID, inc.Start, inc.End)
	}
	for _, s := range p.Segments {
		fmt.Fprintf(&b, "  %-12s %s  %s -> %s\n", s.Artifact.Kind, s.Artifact.ID, s.From, s.To)
	}
	return b.String()
}

// Resolve computes the artifacts needed to recover to target.
func Resolve(snapshot []artifact.Artifact, target artifact.Target, opts Options) (*Plan, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	base, err := selectBase(snapshot, opts.Tables, opts.AllowCrossTable, func(a artifact.Artifact) bool {
		return target.Includes(a.End, a.EndTime)
	})
	if err != nil {
		return nil, fmt.Errorf("%w for %s", err, target)
	}

	plan := &Plan{Base: base, Target: target, Tables: opts.Tables}
	incs, err := walk(snapshot, base, opts.Strict, func(a artifact.Artifact) bool {
		return target.Includes(a.End, a.EndTime)
	})
	if err != nil {
		return nil, err
	}
	plan.Incrementals = incs

	tip := plan.Tip()
	if plan.Segments, err = segments(snapshot, tip.End, tip.EndTime, target); err != nil {
		return nil, err
	}
	if err := Validate(plan.members()); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Plan) members() []artifact.Artifact {
	return append([]artifact.Artifact{p.Base}, p.Incrementals...)
}

// selectBase picks the most recent complete full matching the scope policy
// and accepted by ok.
func selectBase(snapshot []artifact.Artifact, tables artifact.TableScope, crossTable bool, ok func(artifact.Artifact) bool) (artifact.Artifact, error) {
	var best *artifact.Artifact
	for i := range snapshot {
		a := &snapshot[i]
		if a.Kind != artifact.KindFull || !a.Complete() || !scopeFits(a.Tables, tables, crossTable) {
			continue
		}
		if !ok(*a) {
			continue
		}
		if best == nil || a.Start > best.Start || (a.Start == best.Start && a.CreatedAt.After(best.CreatedAt)) {
			best = a
		}
	}
	if best == nil {
		return artifact.Artifact{}, fmt.Errorf("%w (tables %s)", ErrNotFound, tables)
	}
	return best.Clone(), nil
}

func scopeFits(have, want artifact.TableScope, crossTable bool) bool {
	if want.IsAll() {
		return have.IsAll()
	}
	if crossTable {
		return have.Covers(want)
	}
	return have.Equal(want)
}

// walk follows complete incrementals from base while accept holds.
func walk(snapshot []artifact.Artifact, base artifact.Artifact, strict bool, accept func(artifact.Artifact) bool) ([]artifact.Artifact, error) {
	children := make(map[string][]artifact.Artifact)
	for _, a := range snapshot {
		if a.Kind == artifact.KindIncremental && a.Complete() {
			children[a.Parent] = append(children[a.Parent], a)
		}
	}

	var out []artifact.Artifact
	cur := base
	for range len(snapshot) {
		var next []artifact.Artifact
		for _, c := range children[cur.ID] {
			if accept(c) {
				next = append(next, c)
			}
		}
		if len(next) == 0 {
			return out, nil
		}
		pick, err := pickBranch(cur, next, strict)
		if err != nil {
			return nil, err
		}
		out = append(out, pick)
		cur = pick
	}
	return nil, fmt.Errorf("%w: parent cycle below %s", ErrBrokenChain, base.ID)
}

// pickBranch chooses between incrementals that claim the same parent. The
// later one wins unless strict mode is on or both end at the same position,
// in which case nothing tells the branches apart.
func pickBranch(parent artifact.Artifact, branches []artifact.Artifact, strict bool) (artifact.Artifact, error) {
	if len(branches) == 1 {
		return branches[0].Clone(), nil
	}
	ids := make([]string, len(branches))
	for i, b := range branches {
		ids[i] = b.ID
	}
	slices.Sort(ids)
	if strict {
		return artifact.Artifact{}, fmt.Errorf("%w: %s has %d incrementals (%s)", ErrAmbiguousChain, parent.ID, len(branches), strings.Join(ids, ", "))
	}
	slices.SortFunc(branches, func(a, b artifact.Artifact) int { return b.CreatedAt.Compare(a.CreatedAt) })
	for _, b := range branches[1:] {
		if b.End == branches[0].End {
			return artifact.Artifact{}, fmt.Errorf("%w: %s and %s both extend %s to %s", ErrAmbiguousChain, branches[0].ID, b.ID, parent.ID, b.End)
		}
	}
	return branches[0].Clone(), nil
}

// Segments covers the log from position from up to target, for a replay
// onto a dataset that was restored by other means.
func Segments(snapshot []artifact.Artifact, from artifact.Position, target artifact.Target) ([]Segment, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !target.ByTime() && target.Position < from {
		return nil, fmt.Errorf("%w: %s is before start %s", ErrInvalidTarget, target, from)
	}
	return segments(snapshot, from, time.Time{}, target)
}

// segments covers the log from cursor to target with a contiguous run of
// complete binlog segments, clipped to a position target.
func segments(snapshot []artifact.Artifact, cursor artifact.Position, cursorTime time.Time, target artifact.Target) ([]Segment, error) {
	start := cursor
	var out []Segment
	for !target.ReachedBy(cursor, cursorTime) {
		var best *artifact.Artifact
		for i := range snapshot {
			a := &snapshot[i]
			if a.Kind != artifact.KindBinlog || !a.Complete() {
				continue
			}
			if a.Start <= cursor && cursor < a.End && (best == nil || a.End > best.End) {
				best = a
			}
		}
		if best == nil {
			return nil, fmt.Errorf("%w: no segment covers %s on the way to %s (replay starts at %s)", ErrLogGapDetected, cursor, target, start)
		}
		to := best.End
		if !target.ByTime() && target.Position < to {
			to = target.Position
		}
		out = append(out, Segment{Artifact: best.Clone(), From: cursor, To: to})
		cursor, cursorTime = best.End, best.EndTime
	}
	return out, nil
}

// Validate checks that members form one unbroken chain: a complete full
// followed by complete incrementals, each naming the previous member as its
// parent, with non-decreasing log positions.
func Validate(members []artifact.Artifact) error {
	if len(members) == 0 {
		return fmt.Errorf("%w: empty chain", ErrBrokenChain)
	}
	if members[0].Kind != artifact.KindFull {
		return fmt.Errorf("%w: %s is not a full backup", ErrBrokenChain, members[0].ID)
	}
	for i, m := range members {
		if !m.Complete() {
			return fmt.Errorf("%w: %s is %s", ErrBrokenChain, m.ID, m.Status)
		}
		if i == 0 {
			continue
		}
		prev := members[i-1]
		if m.Kind != artifact.KindIncremental {
			return fmt.Errorf("%w: %s is not an incremental", ErrBrokenChain, m.ID)
		}
		if m.Parent != prev.ID {
			return fmt.Errorf("%w: %s has parent %s, expected %s", ErrBrokenChain, m.ID, m.Parent, prev.ID)
		}
		if m.End < prev.End {
			return fmt.Errorf("%w: %s ends before its parent %s", ErrBrokenChain, m.ID, prev.ID)
		}
	}
	return nil
}

// ResolveChain builds a plan without log replay from an explicit base and
// incremental sequence. With a single incremental, the chain between the
// base and that incremental is filled in from parent links.
func ResolveChain(snapshot []artifact.Artifact, baseID string, incrementalIDs []string) (*Plan, error) {
	byID := index(snapshot)
	base, ok := byID[baseID]
	if !ok {
		return nil, fmt.Errorf("%w: base %s", ErrNotFound, baseID)
	}

	var members []artifact.Artifact
	switch len(incrementalIDs) {
	case 0:
		members = []artifact.Artifact{base}
	case 1:
		var err error
		if members, err = ancestry(byID, incrementalIDs[0]); err != nil {
			return nil, err
		}
		if members[0].ID != baseID {
			return nil, fmt.Errorf("%w: %s does not descend from %s", ErrBrokenChain, incrementalIDs[0], baseID)
		}
	default:
		members = []artifact.Artifact{base}
		for _, id := range incrementalIDs {
			inc, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: incremental %s", ErrNotFound, id)
			}
			members = append(members, inc)
		}
	}
	if err := Validate(members); err != nil {
		return nil, err
	}
	tip := members[len(members)-1]
	return &Plan{
		Base:         members[0],
		Incrementals: members[1:],
		Target:       artifact.AtPosition(tip.End),
		Tables:       base.Tables,
	}, nil
}

// ancestry returns the chain from the root full down to id.
func ancestry(byID map[string]artifact.Artifact, id string) ([]artifact.Artifact, error) {
	var out []artifact.Artifact
	for range len(byID) + 1 {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		out = append(out, a)
		if a.Parent == "" {
			slices.Reverse(out)
			return out, nil
		}
		id = a.Parent
	}
	return nil, fmt.Errorf("%w: parent cycle at %s", ErrBrokenChain, id)
}

// LatestTip returns the newest chain member an incremental can extend: the
// tip of the newest complete full for tables.
func LatestTip(snapshot []artifact.Artifact, tables artifact.TableScope) (artifact.Artifact, error) {
	base, err := selectBase(snapshot, tables, false, func(artifact.Artifact) bool { return true })
	if err != nil {
		return artifact.Artifact{}, err
	}
	incs, err := walk(snapshot, base, false, func(artifact.Artifact) bool { return true })
	if err != nil {
		return artifact.Artifact{}, err
	}
	if n := len(incs); n > 0 {
		return incs[n-1], nil
	}
	return base, nil
}

// Window is a stretch of contiguous binlog coverage.
type Window struct {
	From     artifact.Position
	To       artifact.Position
	Segments []string
}

// Coverage groups complete binlog segments into contiguous windows, ordered
// by position. Anything between two windows is a gap.
func Coverage(snapshot []artifact.Artifact) []Window {
	var segs []artifact.Artifact
	for _, a := range snapshot {
		if a.Kind == artifact.KindBinlog && a.Complete() {
			segs = append(segs, a)
		}
	}
	slices.SortFunc(segs, artifact.Compare)

	var out []Window
	for _, s := range segs {
		if n := len(out); n > 0 && s.Start <= out[n-1].To {
			w := &out[n-1]
			w.To = max(w.To, s.End)
			w.Segments = append(w.Segments, s.ID)
			continue
		}
		out = append(out, Window{From: s.Start, To: s.End, Segments: []string{s.ID}})
	}
	return out
}

func index(snapshot []artifact.Artifact) map[string]artifact.Artifact {
	out := make(map[string]artifact.Artifact, len(snapshot))
	for _, a := range snapshot {
		out[a.ID] = a
	}
	return out
}
