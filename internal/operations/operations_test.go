package operations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/binlog"
	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/database"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/metrics"
	"github.com/kebairia/hotbackup/internal/pipeline"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/kebairia/hotbackup/internal/xtrabackup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCopier struct {
	mu    sync.Mutex
	reqs  []xtrabackup.CopyRequest
	hook  func(ctx context.Context, req xtrabackup.CopyRequest) error
	pos   artifact.Position
	toLSN uint64
}

func (c *fakeCopier) Copy(ctx context.Context, req xtrabackup.CopyRequest) (xtrabackup.CopyResult, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	hook := c.hook
	c.mu.Unlock()

	if err := os.WriteFile(filepath.Join(req.TargetDir, "ibdata1"), []byte("innodb pages"), 0o640); err != nil {
		return xtrabackup.CopyResult{}, err
	}
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return xtrabackup.CopyResult{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.toLSN += 100
	return xtrabackup.CopyResult{
		Checkpoints: xtrabackup.Checkpoints{FromLSN: c.toLSN - 100, ToLSN: c.toLSN},
		Position:    c.pos,
		Finished:    time.Now(),
	}, nil
}

func (c *fakeCopier) Version(context.Context) (string, error) { return "8.0.35-30", nil }

func (c *fakeCopier) requests() []xtrabackup.CopyRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]xtrabackup.CopyRequest(nil), c.reqs...)
}

type fakeLogs struct {
	pending binlog.Pending
	from    []artifact.Position
}

func (l *fakeLogs) Pending(_ context.Context, from artifact.Position) (binlog.Pending, error) {
	l.from = append(l.from, from)
	return l.pending, nil
}

func (l *fakeLogs) FetchSegments(_ context.Context, p binlog.Pending, dst string) (binlog.Fetched, error) {
	f := binlog.Fetched{Start: p.Start, End: p.End, EndTime: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	for _, l := range p.Logs {
		if err := os.WriteFile(filepath.Join(dst, l.Name), make([]byte, l.Size), 0o640); err != nil {
			return binlog.Fetched{}, err
		}
		f.Files = append(f.Files, l.Name)
		f.Bytes += l.Size
	}
	return f, nil
}

type countingRecorder struct {
	metrics.Noop
	mu   sync.Mutex
	runs map[artifact.Status]int
}

func (r *countingRecorder) ObserveRun(_ artifact.Kind, status artifact.Status, _ time.Duration, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[artifact.Status]int)
	}
	r.runs[status]++
}

func newManager(t *testing.T, copier *fakeCopier, logs LogTransport, edit func(*config.Config), opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Backup.Root = t.TempDir()
	cfg.Backup.Parallelism = 2
	cfg.Backup.Archive = false
	if edit != nil {
		edit(&cfg)
	}
	st, err := store.Open(cfg.Backup.Root)
	require.NoError(t, err)
	opts = append([]Option{WithLogger(logger.Nop())}, opts...)
	return NewManager(cfg, st, copier, logs, opts...), st
}

func TestRunFullRecordsCompleteArtifact(t *testing.T) {
	copier := &fakeCopier{pos: artifact.NewPosition(4, 1200)}
	rec := &countingRecorder{}
	m, st := newManager(t, copier, nil, nil, WithMetrics(rec))

	a, err := m.RunFull(context.Background(), artifact.TableScope{"shop.*"})
	require.NoError(t, err)

	assert.Equal(t, artifact.StatusComplete, a.Status)
	assert.Equal(t, artifact.NewPosition(4, 1200), a.Start)
	assert.Equal(t, artifact.NewPosition(4, 1200), a.End)
	assert.EqualValues(t, 100, a.ToLSN)
	assert.EqualValues(t, len("innodb pages"), a.Size)
	assert.Equal(t, "8.0.35-30", a.ToolVersion)
	assert.FileExists(t, filepath.Join(st.DataDir(a), "ibdata1"))
	assert.Equal(t, artifact.TableScope{"shop.*"}, copier.requests()[0].Tables)
	assert.Equal(t, 1, rec.runs[artifact.StatusComplete])
}

func TestRunFullFailureKeepsPartialFiles(t *testing.T) {
	copier := &fakeCopier{hook: func(context.Context, xtrabackup.CopyRequest) error {
		return fault.Wrap(fault.ExternalTool, errors.New("xtrabackup exited 1: disk full"))
	}}
	rec := &countingRecorder{}
	m, st := newManager(t, copier, nil, nil, WithMetrics(rec))

	_, err := m.RunFull(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ExternalTool)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StageCopying, runErr.Stage)

	a, err := st.Get(runErr.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, a.Status)
	assert.Contains(t, a.Reason, "disk full")
	assert.Equal(t, st.Abs(a.Dir), runErr.PartialState)
	assert.FileExists(t, filepath.Join(st.DataDir(a), "ibdata1"), "partial files are kept for inspection")
	assert.Equal(t, 1, rec.runs[artifact.StatusFailed])
}

func TestRunFullCancelled(t *testing.T) {
	copier := &fakeCopier{hook: func(ctx context.Context, _ xtrabackup.CopyRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	m, st := newManager(t, copier, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.RunFull(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	a, err := st.Get(runErr.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, a.Status)
	assert.Equal(t, "cancelled", a.Reason)
}

func TestRunFullArchives(t *testing.T) {
	m, st := newManager(t, &fakeCopier{}, nil, func(c *config.Config) { c.Backup.Archive = true })

	a, err := m.RunFull(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, a.Archived)
	assert.Equal(t, filepath.Join(a.Dir, store.ArchiveFilename), a.Location)
	assert.FileExists(t, st.Abs(a.Location))
	assert.NoDirExists(t, st.DataDir(a))
	assert.NoFileExists(t, st.Abs(a.Location)+".tmp")
}

func TestArchivalFailureKeepsRawCopy(t *testing.T) {
	m, st := newManager(t, &fakeCopier{}, nil, nil)
	a, err := m.RunFull(context.Background(), nil)
	require.NoError(t, err)

	release, err := st.Lock(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StageKeptRaw, m.archiveArtifact(context.Background(), a.ID))
	release()

	got, err := st.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, got.Archived)
	assert.DirExists(t, st.DataDir(got))

	assert.Equal(t, StageArchived, m.archiveArtifact(context.Background(), a.ID))
}

func TestRunFullGroupsReportsEveryFailure(t *testing.T) {
	copier := &fakeCopier{hook: func(_ context.Context, req xtrabackup.CopyRequest) error {
		if req.Tables.Equal(artifact.TableScope{"crm.*"}) {
			return errors.New("access denied")
		}
		return nil
	}}
	m, _ := newManager(t, copier, nil, nil)

	done, err := m.RunFullGroups(context.Background(), []artifact.TableScope{
		{"shop.*"}, {"crm.*"}, {"billing.*"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm.*")
	assert.Len(t, done, 2)
	assert.Len(t, copier.requests(), 3)
}

func TestRunIncrementalChainsOnBase(t *testing.T) {
	copier := &fakeCopier{pos: artifact.NewPosition(5, 100)}
	m, _ := newManager(t, copier, nil, nil)

	full, err := m.RunFull(context.Background(), nil)
	require.NoError(t, err)

	copier.pos = artifact.NewPosition(5, 900)
	inc, err := m.RunIncremental(context.Background(), full.ID)
	require.NoError(t, err)
	assert.Equal(t, full.ID, inc.Parent)
	assert.Equal(t, full.End, inc.Start)
	assert.Equal(t, artifact.NewPosition(5, 900), inc.End)
	assert.Equal(t, full.ToLSN, copier.requests()[1].IncrementalLSN)

	// A server without binary logging reports no position; the chain must
	// still not move backwards.
	copier.pos = 0
	next, err := m.RunIncremental(context.Background(), LatestBase)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, next.Parent)
	assert.Equal(t, inc.End, next.End)
}

func TestConcurrentIncrementalsOnSameBase(t *testing.T) {
	copier := &fakeCopier{}
	m, st := newManager(t, copier, nil, nil)
	full, err := m.RunFull(context.Background(), nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	gate := make(chan struct{})
	copier.mu.Lock()
	copier.hook = func(_ context.Context, req xtrabackup.CopyRequest) error {
		if req.IncrementalLSN != 0 {
			entered <- struct{}{}
			<-gate
		}
		return nil
	}
	copier.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		_, err := m.RunIncremental(context.Background(), full.ID)
		first <- err
	}()
	<-entered

	_, err = m.RunIncremental(context.Background(), full.ID)
	assert.ErrorIs(t, err, store.ErrConflictingOperation)
	assert.ErrorIs(t, err, fault.Conflict)

	close(gate)
	require.NoError(t, <-first)
	assert.Len(t, st.Dependents(full.ID), 1, "exactly one incremental was registered")
}

func TestRunIncrementalRejectsInvalidBase(t *testing.T) {
	m, st := newManager(t, &fakeCopier{}, nil, nil)

	_, err := m.RunIncremental(context.Background(), "full-missing")
	assert.ErrorIs(t, err, ErrInvalidBase)
	assert.ErrorIs(t, err, fault.Dependency)

	_, err = m.RunIncremental(context.Background(), LatestBase)
	assert.ErrorIs(t, err, ErrInvalidBase, "no chain yet")

	running, err := st.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	_, err = m.RunIncremental(context.Background(), running)
	assert.ErrorIs(t, err, ErrInvalidBase)

	seg, err := st.Register(artifact.Artifact{Kind: artifact.KindBinlog})
	require.NoError(t, err)
	require.NoError(t, st.MarkComplete(seg, store.Completion{End: 10}))
	_, err = m.RunIncremental(context.Background(), seg)
	assert.ErrorIs(t, err, ErrInvalidBase)
}

func TestRunBinlogCapture(t *testing.T) {
	logs := &fakeLogs{pending: binlog.Pending{
		Logs:  []database.BinaryLog{{Name: "mysql-bin.000003", Size: 64}, {Name: "mysql-bin.000004", Size: 32}},
		Start: artifact.NewPosition(3, 0),
		End:   artifact.NewPosition(5, 0),
	}}
	m, st := newManager(t, &fakeCopier{}, logs, nil)

	seg, err := m.RunBinlogCapture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, artifact.KindBinlog, seg.Kind)
	assert.Equal(t, artifact.NewPosition(3, 0), seg.Start)
	assert.Equal(t, artifact.NewPosition(5, 0), seg.End)
	assert.Equal(t, []string{"mysql-bin.000003", "mysql-bin.000004"}, seg.Files)
	assert.EqualValues(t, 96, seg.Size)
	assert.FileExists(t, filepath.Join(st.DataDir(seg), "mysql-bin.000004"))

	logs.pending = binlog.Pending{}
	_, err = m.RunBinlogCapture(context.Background())
	assert.ErrorIs(t, err, ErrNoNewData)
	assert.Equal(t, []artifact.Position{0, artifact.NewPosition(5, 0)}, logs.from)
	assert.Len(t, st.Snapshot(), 1, "nothing registered without new data")
}

func TestRunPipelineHistory(t *testing.T) {
	m := pipeline.New(backupStages, StageRegistered)
	require.NoError(t, m.Advance(StageCopying))
	require.NoError(t, m.Advance(StageCompleted))
	assert.Error(t, m.Advance(pipeline.Failed), "a completed copy is never failed by archival")
	require.NoError(t, m.Advance(StageArchiving))
	require.NoError(t, m.Advance(StageKeptRaw))
	assert.True(t, m.Terminal())
}
