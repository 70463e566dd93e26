package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/pipeline"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/kebairia/hotbackup/internal/xtrabackup"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// LatestBase selects the tip of the newest chain as incremental base.
const LatestBase = "latest"

// copyFunc fills the data directory of a registered artifact.
type copyFunc func(ctx context.Context, a artifact.Artifact) (store.Completion, error)

// RunFull takes a full hot copy of tables.
func (m *Manager) RunFull(ctx context.Context, tables artifact.TableScope) (artifact.Artifact, error) {
	m.autoClean(ctx)
	return m.runFull(ctx, tables)
}

// RunFullGroups takes one independent full backup per scope, at most
// backup.parallelism at a time. A failing group does not stop the others;
// every failure is reported in the returned error.
func (m *Manager) RunFullGroups(ctx context.Context, scopes []artifact.TableScope) ([]artifact.Artifact, error) {
	m.autoClean(ctx)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		errs    error
		results = make([]artifact.Artifact, len(scopes))
	)
	g.SetLimit(max(m.cfg.Backup.Parallelism, 1))
	for i, scope := range scopes {
		g.Go(func() error {
			a, err := m.runFull(ctx, scope)
			if err != nil {
				m.log.Error("group backup failed", "tables", scope.String(), "error", err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("tables %s: %w", scope, err))
				mu.Unlock()
				return nil
			}
			results[i] = a
			return nil
		})
	}
	_ = g.Wait()

	done := make([]artifact.Artifact, 0, len(results))
	for _, a := range results {
		if a.ID != "" {
			done = append(done, a)
		}
	}
	return done, errs
}

func (m *Manager) runFull(ctx context.Context, tables artifact.TableScope) (artifact.Artifact, error) {
	server, tool := m.versions(ctx)
	proto := artifact.Artifact{Kind: artifact.KindFull, Tables: tables}
	return m.run(ctx, proto, func(ctx context.Context, a artifact.Artifact) (store.Completion, error) {
		dir := m.store.DataDir(a)
		started := m.now()
		res, err := m.copier.Copy(ctx, xtrabackup.CopyRequest{TargetDir: dir, Tables: a.Tables})
		if err != nil {
			return store.Completion{}, err
		}
		size, err := dirSize(dir)
		if err != nil {
			return store.Completion{}, err
		}
		return store.Completion{
			Size:          size,
			Start:         res.Position,
			End:           res.Position,
			StartTime:     started,
			EndTime:       res.Finished,
			FromLSN:       res.Checkpoints.FromLSN,
			ToLSN:         res.Checkpoints.ToLSN,
			ServerVersion: server,
			ToolVersion:   tool,
		}, nil
	})
}

// RunIncremental copies the changes made since baseID, which must be a
// Complete full or incremental. LatestBase or an empty id extends the newest
// chain. Only one incremental per base may run at a time.
func (m *Manager) RunIncremental(ctx context.Context, baseID string) (artifact.Artifact, error) {
	m.autoClean(ctx)

	base, err := m.resolveBase(baseID)
	if err != nil {
		return artifact.Artifact{}, err
	}
	release, err := m.store.Lock(base.ID)
	if err != nil {
		return artifact.Artifact{}, err
	}
	defer release()

	// The base may have been deleted before the lock was taken.
	if base, err = m.store.Get(base.ID); err != nil || !base.Complete() {
		return artifact.Artifact{}, fmt.Errorf("%w: %s is no longer available", ErrInvalidBase, baseID)
	}

	server, tool := m.versions(ctx)
	proto := artifact.Artifact{
		Kind:   artifact.KindIncremental,
		Parent: base.ID,
		Tables: base.Tables,
		Start:  base.End,
	}
	return m.run(ctx, proto, func(ctx context.Context, a artifact.Artifact) (store.Completion, error) {
		dir := m.store.DataDir(a)
		req := xtrabackup.CopyRequest{TargetDir: dir, Tables: a.Tables, IncrementalLSN: base.ToLSN}
		if req.IncrementalLSN == 0 {
			req.IncrementalBaseDir = m.store.DataDir(base)
		}
		started := m.now()
		res, err := m.copier.Copy(ctx, req)
		if err != nil {
			return store.Completion{}, err
		}
		size, err := dirSize(dir)
		if err != nil {
			return store.Completion{}, err
		}
		fromLSN := res.Checkpoints.FromLSN
		if fromLSN == 0 {
			fromLSN = base.ToLSN
		}
		return store.Completion{
			Size:          size,
			End:           max(res.Position, base.End),
			StartTime:     started,
			EndTime:       res.Finished,
			FromLSN:       fromLSN,
			ToLSN:         res.Checkpoints.ToLSN,
			ServerVersion: server,
			ToolVersion:   tool,
		}, nil
	})
}

func (m *Manager) resolveBase(id string) (artifact.Artifact, error) {
	var (
		base artifact.Artifact
		err  error
	)
	if id == "" || id == LatestBase {
		base, err = chain.LatestTip(m.store.Snapshot(), artifact.All())
		if err != nil {
			return artifact.Artifact{}, fmt.Errorf("%w: no chain to extend: %w", ErrInvalidBase, err)
		}
		id = base.ID
	} else if base, err = m.store.Get(id); err != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrInvalidBase, err)
	}
	switch {
	case base.Kind == artifact.KindBinlog:
		return artifact.Artifact{}, fmt.Errorf("%w: %s is a binlog segment", ErrInvalidBase, id)
	case !base.Complete():
		return artifact.Artifact{}, fmt.Errorf("%w: %s is %s", ErrInvalidBase, id, base.Status)
	case base.Archived && base.ToLSN == 0:
		return artifact.Artifact{}, fmt.Errorf("%w: %s is archived and records no LSN", ErrInvalidBase, id)
	}
	return base, nil
}

// RunBinlogCapture copies the binary logs closed since the last captured
// segment into a new segment artifact. It returns ErrNoNewData when there is
// nothing to copy; no artifact is registered in that case.
func (m *Manager) RunBinlogCapture(ctx context.Context) (artifact.Artifact, error) {
	release, err := m.store.Lock(binlogSlot)
	if err != nil {
		return artifact.Artifact{}, err
	}
	defer release()

	var from artifact.Position
	for _, a := range m.store.List(store.Filter{
		Kinds:    []artifact.Kind{artifact.KindBinlog},
		Statuses: []artifact.Status{artifact.StatusComplete},
	}) {
		from = max(from, a.End)
	}
	pending, err := m.logs.Pending(ctx, from)
	if err != nil {
		return artifact.Artifact{}, err
	}
	if pending.Empty() {
		return artifact.Artifact{}, ErrNoNewData
	}
	if pending.Purged {
		m.log.Warn("binlog coverage will have a gap", "last_captured", from, "resumes_at", pending.Start)
	}

	server, _ := m.versions(ctx)
	proto := artifact.Artifact{Kind: artifact.KindBinlog, Start: pending.Start}
	return m.run(ctx, proto, func(ctx context.Context, a artifact.Artifact) (store.Completion, error) {
		started := m.now()
		f, err := m.logs.FetchSegments(ctx, pending, m.store.DataDir(a))
		if err != nil {
			return store.Completion{}, err
		}
		return store.Completion{
			Size:          f.Bytes,
			Start:         f.Start,
			End:           f.End,
			StartTime:     started,
			EndTime:       f.EndTime,
			Files:         f.Files,
			ServerVersion: server,
		}, nil
	})
}

// run registers proto, fills it and finishes the pipeline. Once the
// artifact is registered every outcome is recorded in the store.
func (m *Manager) run(ctx context.Context, proto artifact.Artifact, fill copyFunc) (artifact.Artifact, error) {
	started := m.now()
	id, err := m.store.Register(proto)
	if err != nil {
		return artifact.Artifact{}, err
	}
	a, err := m.store.Get(id)
	if err != nil {
		return artifact.Artifact{}, err
	}
	log := m.log.With("artifact", id, "kind", a.Kind)
	machine := pipeline.New(backupStages, StageRegistered)

	fail := func(err error) (artifact.Artifact, error) {
		machine.Fail(err)
		if markErr := m.store.MarkFailed(id, failureReason(ctx, err)); markErr != nil {
			log.Error("could not mark artifact failed", "error", markErr)
		}
		m.recordRun(a.Kind, artifact.StatusFailed, started, 0)
		log.Error("backup failed", "stage", machine.FailedAt(), "error", err)
		return artifact.Artifact{}, &RunError{
			Kind:         a.Kind,
			ArtifactID:   id,
			Stage:        machine.FailedAt(),
			PartialState: m.store.Abs(a.Dir),
			Err:          err,
		}
	}

	if err := machine.Advance(StageCopying); err != nil {
		return fail(err)
	}
	copyCtx := ctx
	if d := m.cfg.Backup.Timeout; d > 0 {
		var cancel context.CancelFunc
		copyCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	comp, err := fill(copyCtx, a)
	if err == nil {
		err = copyCtx.Err()
	}
	if err != nil {
		if cerr := copyCtx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		return fail(err)
	}
	if err := m.store.MarkComplete(id, comp); err != nil {
		return fail(err)
	}
	if err := machine.Advance(StageCompleted); err != nil {
		return fail(err)
	}
	log.Info("backup completed", "size", comp.Size, "end", comp.End, "duration", m.now().Sub(started).String())

	if m.cfg.Backup.Archive {
		_ = machine.Advance(StageArchiving)
		_ = machine.Advance(m.archiveArtifact(ctx, id))
	}

	done, err := m.store.Get(id)
	if err != nil {
		return artifact.Artifact{}, err
	}
	m.recordRun(done.Kind, done.Status, started, done.Size)
	return done, nil
}

// failureReason is the short text stored in a Failed record.
func failureReason(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out: " + err.Error()
	}
	return err.Error()
}

// dirSize sums the sizes of the regular files under dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", dir, err)
	}
	return total, nil
}
