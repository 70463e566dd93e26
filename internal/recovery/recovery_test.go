package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/hotbackup/internal/archive"
	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/binlog"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/operations"
	"github.com/kebairia/hotbackup/internal/pipeline"
	"github.com/kebairia/hotbackup/internal/retention"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/kebairia/hotbackup/internal/xtrabackup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prepareCall struct {
	dir, incremental string
	applyLogOnly     bool
	// staged lists the files present in incremental (or dir) at call time.
	staged []string
}

type fakeEngine struct {
	mu          sync.Mutex
	prepares    []prepareCall
	decompress  []string
	copyBacks   [][2]string
	failPrepare int // 1-based call that fails, 0 for none
}

func (e *fakeEngine) Prepare(_ context.Context, dir, inc string, alo bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	look := dir
	if inc != "" {
		look = inc
	}
	staged, _ := listFiles(look)
	e.prepares = append(e.prepares, prepareCall{dir: dir, incremental: inc, applyLogOnly: alo, staged: staged})
	if len(e.prepares) == e.failPrepare {
		return fault.Wrap(fault.ExternalTool, errors.New("xtrabackup --prepare exited 1"))
	}
	return nil
}

func (e *fakeEngine) Decompress(_ context.Context, dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decompress = append(e.decompress, dir)
	return nil
}

func (e *fakeEngine) CopyBack(_ context.Context, dir, datadir string) error {
	e.mu.Lock()
	e.copyBacks = append(e.copyBacks, [2]string{dir, datadir})
	e.mu.Unlock()
	return os.WriteFile(filepath.Join(datadir, "ibdata1"), []byte("restored"), 0o640)
}

type fakeReplayer struct{ reqs []binlog.ReplayRequest }

func (r *fakeReplayer) Replay(_ context.Context, req binlog.ReplayRequest) error {
	r.reqs = append(r.reqs, req)
	return nil
}

type fakeExec struct{ cmds []string }

func (e *fakeExec) Run(_ context.Context, cmd executor.Command) (executor.Result, error) {
	e.cmds = append(e.cmds, cmd.String())
	return executor.Result{}, nil
}

type fakeSnap struct {
	err   error
	calls int
}

func (s *fakeSnap) RunFull(context.Context, artifact.TableScope) (artifact.Artifact, error) {
	s.calls++
	if s.err != nil {
		return artifact.Artifact{}, s.err
	}
	return artifact.Artifact{ID: "full-snapshot"}, nil
}

type fixture struct {
	st       *store.Store
	cfg      config.Config
	engine   *fakeEngine
	replayer *fakeReplayer
	exec     *fakeExec
	snap     *fakeSnap
	plan     *chain.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "backups"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Backup.Root = st.Root()
	cfg.Database.DataDir = filepath.Join(root, "mysql")
	require.NoError(t, os.MkdirAll(cfg.Database.DataDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Database.DataDir, "ibdata1"), []byte("current"), 0o640))

	full := put(t, st, artifact.Artifact{Kind: artifact.KindFull}, store.Completion{End: artifact.NewPosition(2, 100), ToLSN: 100}, "ibdata1")
	inc := put(t, st, artifact.Artifact{Kind: artifact.KindIncremental, Parent: full.ID}, store.Completion{End: artifact.NewPosition(2, 400), ToLSN: 200}, "ibdata1.delta")
	seg := put(t, st, artifact.Artifact{Kind: artifact.KindBinlog, Start: artifact.NewPosition(2, 0)},
		store.Completion{End: artifact.NewPosition(3, 0), Files: []string{"mysql-bin.000002"}}, "mysql-bin.000002")

	return &fixture{
		st:       st,
		cfg:      cfg,
		engine:   &fakeEngine{},
		replayer: &fakeReplayer{},
		exec:     &fakeExec{},
		snap:     &fakeSnap{},
		plan: &chain.Plan{
			Base:         full,
			Incrementals: []artifact.Artifact{inc},
			Segments:     []chain.Segment{{Artifact: seg, From: inc.End, To: artifact.NewPosition(2, 900)}},
			Target:       artifact.AtPosition(artifact.NewPosition(2, 900)),
		},
	}
}

func put(t *testing.T, st *store.Store, a artifact.Artifact, c store.Completion, files ...string) artifact.Artifact {
	t.Helper()
	id, err := st.Register(a)
	require.NoError(t, err)
	got, err := st.Get(id)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(st.DataDir(got), f), []byte(f), 0o640))
	}
	require.NoError(t, st.MarkComplete(id, c))
	got, err = st.Get(id)
	require.NoError(t, err)
	return got
}

func (f *fixture) recoverer() *Recoverer {
	r := NewRecoverer(f.cfg, f.st, f.engine, f.replayer, nil, f.snap,
		WithExecutor(f.exec), WithLogger(logger.Nop()))
	r.newID = func() string { return "run-1" }
	return r
}

func stagesOf(h []pipeline.Transition) []pipeline.Stage {
	out := make([]pipeline.Stage, len(h))
	for i, tr := range h {
		out[i] = tr.To
	}
	return out
}

func TestExecuteRunsStagesInOrder(t *testing.T) {
	f := newFixture(t)
	out := f.recoverer().Execute(context.Background(), f.plan, Request{Policy: SnapshotFirst})
	require.NoError(t, out.Err)

	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Equal(t, []pipeline.Stage{
		StageSnapshot, StageRestoreBase, StageApplyIncrementals, StageFinalize, StageReplayLogs, StageDone,
	}, stagesOf(out.History))
	assert.Equal(t, "full-snapshot", out.SnapshotID)

	staging := filepath.Join(f.st.Root(), store.StagingDirname, "run-1")
	base := filepath.Join(staging, "base")
	require.Len(t, f.engine.prepares, 2)
	assert.Equal(t, prepareCall{dir: base, applyLogOnly: true, staged: []string{"ibdata1"}}, f.engine.prepares[0])
	assert.Equal(t, prepareCall{dir: base, incremental: filepath.Join(staging, "inc-01"), staged: []string{"ibdata1.delta"}}, f.engine.prepares[1])
	assert.Equal(t, [][2]string{{base, f.cfg.Database.DataDir}}, f.engine.copyBacks)
	assert.Empty(t, f.engine.decompress)

	assert.Equal(t, []string{
		"systemctl stop mysql",
		"chown -R mysql:mysql " + f.cfg.Database.DataDir,
		"systemctl start mysql",
	}, f.exec.cmds)

	assert.Equal(t, f.cfg.Database.DataDir+".pre-run-1", out.PreviousData)
	old, err := os.ReadFile(filepath.Join(out.PreviousData, "ibdata1"))
	require.NoError(t, err)
	assert.Equal(t, "current", string(old))

	require.Len(t, f.replayer.reqs, 1)
	req := f.replayer.reqs[0]
	assert.Equal(t, []string{filepath.Join(f.st.DataDir(f.plan.Segments[0].Artifact), "mysql-bin.000002")}, req.Files)
	assert.Equal(t, f.plan.Incrementals[0].End, req.From)
	assert.Equal(t, artifact.NewPosition(2, 900), req.To)
	assert.Empty(t, req.Databases)

	assert.NoDirExists(t, staging)
	assert.Empty(t, out.StagingDir)

	release, err := f.st.Lock(f.plan.Base.ID)
	require.NoError(t, err, "artifacts are released after the run")
	release()
}

func TestExecuteFailureStopsAndKeepsStaging(t *testing.T) {
	f := newFixture(t)
	f.engine.failPrepare = 2
	out := f.recoverer().Execute(context.Background(), f.plan, Request{Policy: NoSnapshot})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, StageApplyIncrementals, out.Stage)
	assert.ErrorIs(t, out.Err, fault.ExternalTool)

	var stageErr *StageError
	require.ErrorAs(t, out.Err, &stageErr)
	assert.Equal(t, "run-1", stageErr.RunID)
	assert.Equal(t, []string{f.plan.Base.ID, f.plan.Incrementals[0].ID}, stageErr.Artifacts)
	assert.Contains(t, stageErr.PartialState, out.StagingDir)
	assert.DirExists(t, out.StagingDir)

	assert.Empty(t, f.engine.copyBacks, "no later stage runs")
	assert.Empty(t, f.exec.cmds)
	assert.Empty(t, f.replayer.reqs)
	assert.Zero(t, f.snap.calls)
	assert.Equal(t, pipeline.Failed, stagesOf(out.History)[len(out.History)-1])

	current, err := os.ReadFile(filepath.Join(f.cfg.Database.DataDir, "ibdata1"))
	require.NoError(t, err)
	assert.Equal(t, "current", string(current), "live data untouched")
}

func TestSnapshotFailureAbortsBeforeTouchingData(t *testing.T) {
	f := newFixture(t)
	f.snap.err = errors.New("server unreachable")
	out := f.recoverer().Execute(context.Background(), f.plan, Request{})

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, StageSnapshot, out.Stage)
	assert.Equal(t, 1, f.snap.calls, "snapshot is the default policy")
	assert.Empty(t, f.engine.prepares)
	assert.NoDirExists(t, f.cfg.Database.DataDir+".pre-run-1")
}

func TestExecuteFromArchivedCompressedBase(t *testing.T) {
	f := newFixture(t)
	base := f.plan.Base
	require.NoError(t, os.WriteFile(filepath.Join(f.st.DataDir(base), "t1.ibd.zst"), []byte("z"), 0o640))
	size, err := archive.Create(context.Background(), f.st.DataDir(base), filepath.Join(f.st.Abs(base.Dir), store.ArchiveFilename))
	require.NoError(t, err)
	require.NoError(t, f.st.Relocate(base.ID, true, size))
	require.NoError(t, os.RemoveAll(f.st.DataDir(base)))
	f.plan.Base, err = f.st.Get(base.ID)
	require.NoError(t, err)
	f.plan.Incrementals = nil
	f.plan.Segments = nil

	out := f.recoverer().Execute(context.Background(), f.plan, Request{Policy: NoSnapshot})
	require.NoError(t, out.Err)

	staged := filepath.Join(f.st.Root(), store.StagingDirname, "run-1", "base")
	assert.Equal(t, []string{staged}, f.engine.decompress)
	require.Len(t, f.engine.prepares, 1)
	assert.False(t, f.engine.prepares[0].applyLogOnly, "a lone full is fully prepared")
	assert.ElementsMatch(t, []string{"ibdata1", "t1.ibd.zst"}, f.engine.prepares[0].staged)
	assert.NotContains(t, stagesOf(out.History), StageReplayLogs)
}

func TestExecuteToAlternateDestination(t *testing.T) {
	f := newFixture(t)
	f.plan.Segments = nil
	dst := filepath.Join(t.TempDir(), "clone")
	out := f.recoverer().Execute(context.Background(), f.plan, Request{Destination: dst, Policy: NoSnapshot})
	require.NoError(t, out.Err)

	assert.Equal(t, []string{"chown -R mysql:mysql " + dst}, f.exec.cmds, "the live service is left alone")
	assert.Empty(t, out.PreviousData)
	assert.FileExists(t, filepath.Join(dst, "ibdata1"))
}

func TestReplayRequiresLiveDestination(t *testing.T) {
	f := newFixture(t)
	dst := filepath.Join(t.TempDir(), "clone")

	out := f.recoverer().Execute(context.Background(), f.plan, Request{Destination: dst})
	assert.ErrorIs(t, out.Err, ErrReplayNotLive)
	assert.Equal(t, fault.ExitUserError, fault.ExitCode(out.Err))
	assert.Equal(t, StagePending, out.Stage)
	assert.Zero(t, f.snap.calls, "refused before the snapshot")
	assert.Empty(t, f.engine.prepares)
	assert.NoDirExists(t, dst)

	out = f.recoverer().ReplayOnly(context.Background(), f.plan.Segments, f.plan.Target, Request{Destination: dst})
	assert.ErrorIs(t, out.Err, ErrReplayNotLive)
	assert.Empty(t, f.replayer.reqs, "nothing is replayed into the running server")

	out = f.recoverer().ReplayOnly(context.Background(), f.plan.Segments, f.plan.Target,
		Request{Destination: f.cfg.Database.DataDir + "/"})
	require.NoError(t, out.Err)
	assert.Len(t, f.replayer.reqs, 1)
}

func TestReplayOnlyScopesDatabases(t *testing.T) {
	f := newFixture(t)
	stop := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out := f.recoverer().ReplayOnly(context.Background(), f.plan.Segments, artifact.AtTime(stop), Request{
		Tables: artifact.TableScope{"shop.orders", "crm.*"},
	})
	require.NoError(t, out.Err)

	assert.Equal(t, []pipeline.Stage{StageReplayLogs, StageDone}, stagesOf(out.History))
	require.Len(t, f.replayer.reqs, 1)
	req := f.replayer.reqs[0]
	assert.Equal(t, []string{"crm", "shop"}, req.Databases)
	assert.Equal(t, stop, req.StopTime)
	assert.Zero(t, req.To)
	assert.Empty(t, f.engine.prepares)
	assert.Zero(t, f.snap.calls)
}

func TestReplayOnlyWithoutSegments(t *testing.T) {
	f := newFixture(t)
	out := f.recoverer().ReplayOnly(context.Background(), nil, artifact.AtPosition(10), Request{})
	assert.ErrorIs(t, out.Err, binlog.ErrNothingToReplay)
	assert.Equal(t, StageReplayLogs, out.Stage)
}

func TestRecoveryHoldsArtifacts(t *testing.T) {
	f := newFixture(t)
	release, err := f.st.Lock(f.plan.Incrementals[0].ID)
	require.NoError(t, err)
	defer release()

	out := f.recoverer().Execute(context.Background(), f.plan, Request{Policy: SnapshotFirst})
	assert.ErrorIs(t, out.Err, store.ErrConflictingOperation)
	assert.Equal(t, StagePending, out.Stage)
	assert.Zero(t, f.snap.calls)
	assert.Empty(t, f.engine.prepares)

	again, err := f.st.Lock(f.plan.Base.ID)
	require.NoError(t, err, "locks taken before the conflict are released")
	again()
}

// diskCopier is a backup engine that writes a single data file.
type diskCopier struct{}

func (diskCopier) Copy(_ context.Context, req xtrabackup.CopyRequest) (xtrabackup.CopyResult, error) {
	err := os.WriteFile(filepath.Join(req.TargetDir, "ibdata1"), []byte("snapshot"), 0o640)
	return xtrabackup.CopyResult{Position: artifact.NewPosition(9, 4), Finished: time.Now()}, err
}

func (diskCopier) Version(context.Context) (string, error) { return "8.0.35-30", nil }

func TestSafetySnapshotCleanupSparesPlan(t *testing.T) {
	f := newFixture(t)
	f.cfg.Backup.AutoClean = true
	f.cfg.Backup.RetentionDays = 30
	f.cfg.Backup.Archive = false

	old := put(t, f.st, artifact.Artifact{Kind: artifact.KindFull, CreatedAt: time.Now().Add(-40 * 24 * time.Hour)},
		store.Completion{End: artifact.NewPosition(1, 100), ToLSN: 50}, "ibdata1")
	expired := put(t, f.st, artifact.Artifact{Kind: artifact.KindFull, CreatedAt: time.Now().Add(-41 * 24 * time.Hour)},
		store.Completion{End: artifact.NewPosition(1, 50), ToLSN: 40}, "ibdata1")

	cleaner := retention.NewManager(f.st, retention.WithLogger(logger.Nop()))
	backups := operations.NewManager(f.cfg, f.st, diskCopier{}, nil,
		operations.WithCleaner(cleaner), operations.WithLogger(logger.Nop()))
	r := NewRecoverer(f.cfg, f.st, f.engine, f.replayer, nil, backups,
		WithExecutor(f.exec), WithLogger(logger.Nop()))
	r.newID = func() string { return "run-1" }

	plan := &chain.Plan{Base: old, Target: artifact.AtPosition(old.End)}
	out := r.Execute(context.Background(), plan, Request{Policy: SnapshotFirst})
	require.NoError(t, out.Err)
	assert.NotEmpty(t, out.SnapshotID)

	_, err := f.st.Get(old.ID)
	assert.NoError(t, err, "the base being restored survives the pre-snapshot cleanup")
	_, err = f.st.Get(expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "other expired artifacts are still cleaned")
	require.Len(t, f.engine.prepares, 1)
	assert.Equal(t, []string{"ibdata1"}, f.engine.prepares[0].staged)
}
