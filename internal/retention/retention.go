// Package retention prunes expired artifacts without breaking any chain or
// recovery window that is still in use.
package retention

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/metrics"
)

// Store is the part of the artifact store retention needs.
type Store interface {
	Snapshot() []artifact.Artifact
	Delete(ids ...string) error
	Locked(id string) bool
}

// Reasons recorded in Report.Kept.
const (
	ReasonKeepLast  = "keep_last"
	ReasonDependent = "required by "
	ReasonLogWindow = "binlog window of "
	ReasonInUse     = "in use by a running operation"
)

// Report lists what a Clean call decided.
type Report struct {
	Cutoff time.Time `json:"cutoff" yaml:"cutoff"`
	DryRun bool      `json:"dry_run" yaml:"dry_run"`
	// Candidates is the final deletion set, children before parents.
	Candidates []string `json:"candidates" yaml:"candidates"`
	Deleted    []string `json:"deleted" yaml:"deleted"`
	// Kept maps expired artifacts that were spared to the reason why.
	Kept map[string]string `json:"kept,omitempty" yaml:"kept,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeepLast always spares the newest n complete full backups.
func WithKeepLast(n int) Option {
	return func(m *Manager) { m.keepLast = n }
}

// WithBinlogRetention gives binlog segments their own expiry age.
func WithBinlogRetention(d time.Duration) Option {
	return func(m *Manager) { m.binlogAge = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics records retention decisions.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager applies the retention policy to a store.
type Manager struct {
	store     Store
	keepLast  int
	binlogAge time.Duration
	now       func() time.Time
	log       logger.Logger
	metrics   metrics.Recorder
}

// NewManager returns a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, log: logger.Nop(), metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clean deletes terminal artifacts created more than olderThan ago, unless
// something that stays still needs them. With dryRun it only reports.
func (m *Manager) Clean(ctx context.Context, olderThan time.Duration, dryRun bool) (Report, error) {
	now := m.now()
	rep := Report{Cutoff: now.Add(-olderThan).UTC(), DryRun: dryRun, Kept: map[string]string{}}
	snap := m.store.Snapshot()

	binlogCutoff := rep.Cutoff
	if m.binlogAge > 0 {
		binlogCutoff = now.Add(-m.binlogAge).UTC()
	}
	set := make(map[string]bool)
	for _, a := range snap {
		cutoff := rep.Cutoff
		if a.Kind == artifact.KindBinlog {
			cutoff = binlogCutoff
		}
		if a.Status.Terminal() && a.CreatedAt.Before(cutoff) {
			set[a.ID] = true
		}
	}

	for id := range set {
		if m.store.Locked(id) {
			delete(set, id)
			rep.Kept[id] = ReasonInUse
		}
	}
	m.pinNewestFulls(snap, set, rep.Kept)
	fixedPoint(snap, set, rep.Kept)
	pinLogWindows(snap, set, rep.Kept)

	rep.Candidates = deletionOrder(snap, set)
	if dryRun || len(rep.Candidates) == 0 {
		m.log.Info("retention computed", "cutoff", rep.Cutoff, "candidates", len(rep.Candidates), "kept", len(rep.Kept), "dry_run", dryRun)
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	if err := m.store.Delete(rep.Candidates...); err != nil {
		return rep, fmt.Errorf("delete expired artifacts: %w", err)
	}
	rep.Deleted = slices.Clone(rep.Candidates)
	m.metrics.ObserveRetention(len(rep.Deleted), len(rep.Kept))
	m.log.Info("retention applied", "cutoff", rep.Cutoff, "deleted", len(rep.Deleted), "kept", len(rep.Kept))
	return rep, nil
}

func (m *Manager) pinNewestFulls(snap []artifact.Artifact, set map[string]bool, kept map[string]string) {
	if m.keepLast <= 0 {
		return
	}
	var fulls []artifact.Artifact
	for _, a := range snap {
		if a.Kind == artifact.KindFull && a.Complete() {
			fulls = append(fulls, a)
		}
	}
	slices.SortFunc(fulls, func(a, b artifact.Artifact) int { return b.CreatedAt.Compare(a.CreatedAt) })
	for _, a := range fulls[:min(m.keepLast, len(fulls))] {
		if set[a.ID] {
			delete(set, a.ID)
			kept[a.ID] = ReasonKeepLast
		}
	}
}

// fixedPoint removes candidates that still have a dependent outside the set
// until nothing changes. Dependents of any status count, because the store
// refuses to orphan them; the kept reason names the status of one that is
// not complete.
func fixedPoint(snap []artifact.Artifact, set map[string]bool, kept map[string]string) {
	for changed := true; changed; {
		changed = false
		for _, a := range snap {
			if a.Parent == "" || set[a.ID] || !set[a.Parent] {
				continue
			}
			delete(set, a.Parent)
			kept[a.Parent] = dependentReason(a)
			changed = true
		}
	}
}

func dependentReason(child artifact.Artifact) string {
	if child.Complete() {
		return ReasonDependent + child.ID
	}
	return fmt.Sprintf("%s%s %s", ReasonDependent, child.Status, child.ID)
}

// pinLogWindows keeps binlog segments that extend past a retained backup,
// since they are what point-in-time recovery from that backup replays.
func pinLogWindows(snap []artifact.Artifact, set map[string]bool, kept map[string]string) {
	var oldest *artifact.Artifact
	for i := range snap {
		a := &snap[i]
		if a.Kind == artifact.KindBinlog || !a.Complete() || set[a.ID] {
			continue
		}
		if oldest == nil || a.End < oldest.End {
			oldest = a
		}
	}
	if oldest == nil {
		return
	}
	for _, a := range snap {
		if a.Kind == artifact.KindBinlog && set[a.ID] && a.End > oldest.End {
			delete(set, a.ID)
			kept[a.ID] = ReasonLogWindow + oldest.ID
		}
	}
}

// deletionOrder lists the set with every artifact before its parent.
func deletionOrder(snap []artifact.Artifact, set map[string]bool) []string {
	parent := make(map[string]string, len(snap))
	for _, a := range snap {
		parent[a.ID] = a.Parent
	}
	depth := func(id string) int {
		d := 0
		for p := parent[id]; p != ""; p = parent[p] {
			d++
		}
		return d
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if da, db := depth(a), depth(b); da != db {
			return db - da
		}
		return cmp.Compare(a, b)
	})
	return ids
}
