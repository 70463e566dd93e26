package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/kebairia/hotbackup/internal/archive"
	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/binlog"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/fault"
)

var (
	ErrNoSnapshotter = fault.New(fault.Validation, "snapshot requested but no backup engine is configured")
	ErrNoDestination = fault.New(fault.Validation, "no restore destination: set database.data_dir or pass a destination")
	ErrReplayNotLive = fault.New(fault.Validation, "binary logs can only be replayed into the live data directory")
)

func (x *run) snapshot(ctx context.Context) error {
	if x.req.Policy == NoSnapshot {
		x.log.Warn("existing data will not be backed up before recovery")
		return nil
	}
	if x.snap == nil {
		return ErrNoSnapshotter
	}
	a, err := x.snap.RunFull(ctx, artifact.All())
	if err != nil {
		return fmt.Errorf("snapshot of current data: %w", err)
	}
	x.outcome.SnapshotID = a.ID
	x.log.Info("current data backed up", "artifact", a.ID)
	return nil
}

// restoreBase stages the full backup and prepares it. applyLogOnly keeps the
// redo log open for the incrementals that follow.
func (x *run) restoreBase(ctx context.Context, base artifact.Artifact, applyLogOnly bool) error {
	x.use(base)
	dir := filepath.Join(x.staging, "base")
	if err := x.stage(ctx, base, dir); err != nil {
		return err
	}
	x.baseDir = dir
	return x.engine.Prepare(ctx, dir, "", applyLogOnly)
}

func (x *run) applyIncrementals(ctx context.Context, incs []artifact.Artifact) error {
	for i, inc := range incs {
		x.use(inc)
		dir := filepath.Join(x.staging, fmt.Sprintf("inc-%02d", i+1))
		if err := x.stage(ctx, inc, dir); err != nil {
			return err
		}
		last := i == len(incs)-1
		if err := x.engine.Prepare(ctx, x.baseDir, dir, !last); err != nil {
			return fmt.Errorf("apply %s: %w", inc.ID, err)
		}
		x.log.Info("incremental applied", "artifact", inc.ID, "step", i+1, "of", len(incs))
	}
	return nil
}

// finalize installs the prepared dataset. The previous content of the data
// directory is moved aside, never removed.
func (x *run) finalize(ctx context.Context) error {
	datadir, live, err := x.destination(ctx)
	if err != nil {
		return err
	}
	x.datadir = datadir

	if live {
		if err := x.service(ctx, x.cfg.Database.StopCommand); err != nil {
			return fmt.Errorf("stop database service: %w", err)
		}
	}
	entries, err := os.ReadDir(datadir)
	switch {
	case err == nil && len(entries) > 0:
		aside := datadir + ".pre-" + x.id
		if err := os.Rename(datadir, aside); err != nil {
			return fmt.Errorf("move existing data aside: %w", err)
		}
		x.outcome.PreviousData = aside
		x.log.Info("existing data moved aside", "path", aside)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("inspect %s: %w", datadir, err)
	}
	if err := os.MkdirAll(datadir, 0o750); err != nil {
		return err
	}
	if err := x.engine.CopyBack(ctx, x.baseDir, datadir); err != nil {
		return err
	}
	if owner := x.cfg.Database.Owner; owner != "" {
		if _, err := x.exec.Run(ctx, executor.Command{Name: "chown", Args: []string{"-R", owner, datadir}}); err != nil {
			return fmt.Errorf("chown %s: %w", datadir, err)
		}
	}
	if live {
		if err := x.service(ctx, x.cfg.Database.StartCommand); err != nil {
			return fmt.Errorf("start database service: %w", err)
		}
	}
	return nil
}

// destination resolves the data directory to restore into and whether it is
// the one the running server uses.
func (x *run) destination(ctx context.Context) (string, bool, error) {
	live := x.cfg.Database.DataDir
	if live == "" && x.req.Destination == "" && x.server != nil {
		dir, err := x.server.DataDir(ctx)
		if err != nil {
			return "", false, fmt.Errorf("locate server data directory: %w", err)
		}
		live = dir
	}
	live = filepath.Clean(live)
	if x.req.Destination == "" {
		if live == "." {
			return "", false, ErrNoDestination
		}
		return live, true, nil
	}
	dst := filepath.Clean(x.req.Destination)
	return dst, dst == live, nil
}

// requireLive fails unless the destination is the data directory of the
// server that binary logs are replayed through.
func (x *run) requireLive(ctx context.Context) error {
	if x.req.Destination == "" {
		return nil
	}
	live := x.cfg.Database.DataDir
	if live == "" && x.server != nil {
		dir, err := x.server.DataDir(ctx)
		if err != nil {
			return fmt.Errorf("locate server data directory: %w", err)
		}
		live = dir
	}
	if live == "" || filepath.Clean(live) != filepath.Clean(x.req.Destination) {
		return fmt.Errorf("%w: %s", ErrReplayNotLive, x.req.Destination)
	}
	return nil
}

func (x *run) service(ctx context.Context, line string) error {
	cmd, ok := executor.Shell(line)
	if !ok {
		return nil
	}
	_, err := x.exec.Run(ctx, cmd)
	return err
}

// replay applies segments to the destination up to target.
func (x *run) replay(ctx context.Context, segments []chain.Segment, target artifact.Target) error {
	if len(segments) == 0 {
		return binlog.ErrNothingToReplay
	}
	var files []string
	for _, s := range segments {
		x.use(s.Artifact)
		dir, err := x.segmentDir(ctx, s.Artifact)
		if err != nil {
			return err
		}
		names := s.Artifact.Files
		if len(names) == 0 {
			if names, err = listFiles(dir); err != nil {
				return err
			}
		}
		for _, name := range names {
			files = append(files, filepath.Join(dir, name))
		}
	}
	if err := os.MkdirAll(x.staging, 0o750); err != nil {
		return err
	}
	req := binlog.ReplayRequest{Files: files, From: segments[0].From, WorkDir: x.staging}
	if target.ByTime() {
		req.StopTime = target.Time
	} else {
		req.To = segments[len(segments)-1].To
	}
	if !x.req.Tables.IsAll() {
		req.Databases = x.req.Tables.Databases()
	}
	return x.replayer.Replay(ctx, req)
}

func (x *run) segmentDir(ctx context.Context, seg artifact.Artifact) (string, error) {
	if !seg.Archived {
		return x.store.DataDir(seg), nil
	}
	dir := filepath.Join(x.staging, "binlog", seg.ID)
	if err := archive.Extract(ctx, x.store.Abs(seg.Location), dir); err != nil {
		return "", fmt.Errorf("extract %s: %w", seg.ID, err)
	}
	return dir, nil
}

// stage materialises the data of a into dir, from its raw directory or its
// archive, and expands per-file compression.
func (x *run) stage(ctx context.Context, a artifact.Artifact, dir string) error {
	if a.Archived {
		if err := archive.Extract(ctx, x.store.Abs(a.Location), dir); err != nil {
			return fmt.Errorf("extract %s: %w", a.ID, err)
		}
	} else if err := copyTree(ctx, x.store.DataDir(a), dir); err != nil {
		return fmt.Errorf("stage %s: %w", a.ID, err)
	}
	compressed, err := hasCompressedFiles(dir)
	if err != nil {
		return err
	}
	if compressed {
		return x.engine.Decompress(ctx, dir)
	}
	return nil
}

// hold locks a for the rest of the run so retention cannot remove it.
func (x *run) hold(a artifact.Artifact) error {
	if slices.Contains(x.held, a.ID) {
		return nil
	}
	release, err := x.store.Lock(a.ID)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	x.releases = append(x.releases, release)
	x.held = append(x.held, a.ID)
	return nil
}

func (x *run) use(a artifact.Artifact) {
	x.used = append(x.used, a.ID)
}
