package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t0 time.Time) func() time.Time {
	now := t0
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))}, opts...)
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return s
}

func registerComplete(t *testing.T, s *Store, a artifact.Artifact, c Completion) string {
	t.Helper()
	id, err := s.Register(a)
	require.NoError(t, err)
	require.NoError(t, s.MarkComplete(id, c))
	return id
}

func TestRegisterWritesInProgressMetadata(t *testing.T) {
	s := openStore(t)
	id, err := s.Register(artifact.Artifact{Kind: artifact.KindFull, Tables: artifact.TableScope{"b.t", "a.t"}})
	require.NoError(t, err)

	a, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusInProgress, a.Status)
	assert.Equal(t, artifact.TableScope{"a.t", "b.t"}, a.Tables)
	assert.DirExists(t, s.DataDir(a))

	onDisk, err := readMetadata(filepath.Join(s.Abs(a.Dir), MetadataFilename))
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusInProgress, onDisk.Status)
}

func TestRegisterValidatesParent(t *testing.T) {
	s := openStore(t)

	_, err := s.Register(artifact.Artifact{Kind: artifact.KindIncremental, Parent: "full-missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	full, err := s.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	_, err = s.Register(artifact.Artifact{Kind: artifact.KindIncremental, Parent: full})
	assert.ErrorIs(t, err, ErrParentNotComplete)
	assert.ErrorIs(t, err, fault.Dependency)

	_, err = s.Register(artifact.Artifact{Kind: artifact.KindFull, Parent: full})
	assert.ErrorIs(t, err, fault.Validation)

	require.NoError(t, s.MarkComplete(full, Completion{End: 100}))
	_, err = s.Register(artifact.Artifact{Kind: artifact.KindIncremental, Parent: full})
	assert.NoError(t, err)
}

func TestRegisterUniqueIDs(t *testing.T) {
	s := openStore(t, WithClock(func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }))
	a, err := s.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	b, err := s.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDatedDirs(t *testing.T) {
	s := openStore(t, WithDatedDirs(true))
	id, err := s.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	a, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("2024", "03", "01", id), a.Dir)
}

func TestStatusIsMonotonic(t *testing.T) {
	s := openStore(t)
	id, err := s.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(id, "xtrabackup exited 1"))

	err = s.MarkComplete(id, Completion{Size: 10})
	assert.ErrorIs(t, err, artifact.ErrInvalidTransition)
	err = s.MarkFailed(id, "again")
	assert.ErrorIs(t, err, artifact.ErrInvalidTransition)

	a, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusFailed, a.Status)
	assert.Equal(t, "xtrabackup exited 1", a.Reason)
}

func TestRelocate(t *testing.T) {
	s := openStore(t)
	id := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull}, Completion{Size: 100})
	require.NoError(t, s.Relocate(id, true, 40))

	a, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, a.Archived)
	assert.Equal(t, filepath.Join(a.Dir, ArchiveFilename), a.Location)
	assert.EqualValues(t, 40, a.Size)
}

func TestListOrdersByPositionThenCreation(t *testing.T) {
	s := openStore(t)
	late := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull, Start: 50}, Completion{End: 50})
	early := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull, Start: 10}, Completion{End: 10})
	seg := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindBinlog, Start: 10}, Completion{End: 80})

	var ids []string
	for _, a := range s.List(Filter{}) {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{early, seg, late}, ids)

	fulls := s.List(Filter{Kinds: []artifact.Kind{artifact.KindFull}})
	assert.Len(t, fulls, 2)
}

func TestListFiltersByTables(t *testing.T) {
	s := openStore(t)
	registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull, Tables: artifact.TableScope{"shop.*"}}, Completion{})
	registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull, Tables: artifact.TableScope{"crm.users"}}, Completion{})

	got := s.List(Filter{Tables: artifact.TableScope{"shop.orders"}})
	require.Len(t, got, 1)
	assert.Equal(t, artifact.TableScope{"shop.*"}, got[0].Tables)
}

func TestDependentsAndDeleteBatch(t *testing.T) {
	s := openStore(t)
	full := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull}, Completion{End: 100})
	inc1 := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindIncremental, Parent: full}, Completion{End: 150})
	inc2 := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindIncremental, Parent: inc1}, Completion{End: 200})

	assert.ElementsMatch(t, []string{inc1, inc2}, s.Dependents(full))

	err := s.Delete(full, inc1)
	assert.ErrorIs(t, err, ErrDependencyExists)
	_, err = s.Get(full)
	assert.NoError(t, err, "a refused batch removes nothing")

	fullDir := s.Abs(mustGet(t, s, full).Dir)
	require.NoError(t, s.Delete(full, inc1, inc2))
	assert.Empty(t, s.Snapshot())
	assert.NoDirExists(t, fullDir)
}

func TestDeleteToleratesRepeatedIDs(t *testing.T) {
	s := openStore(t)
	full := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull}, Completion{End: 100})
	logs := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindBinlog, Start: 100}, Completion{End: 300})

	require.NotPanics(t, func() {
		require.NoError(t, s.Delete(full, logs, full))
	})
	assert.Empty(t, s.Snapshot())
	assert.ErrorIs(t, s.Delete(full), ErrNotFound)
}

func TestDeleteRefusesInProgress(t *testing.T) {
	s := openStore(t)
	id, err := s.Register(artifact.Artifact{Kind: artifact.KindFull})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Delete(id), ErrInProgress)
	assert.ErrorIs(t, s.Delete("full-nope"), ErrNotFound)
}

func TestDeletePrunesDatedParents(t *testing.T) {
	s := openStore(t, WithDatedDirs(true))
	id := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull}, Completion{})
	require.NoError(t, s.Delete(id))
	assert.NoDirExists(t, filepath.Join(s.Root(), "2024"))
	assert.DirExists(t, s.Root())
}

func TestOpenRebuildsIndexFromDisk(t *testing.T) {
	s := openStore(t, WithDatedDirs(true))
	full := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull}, Completion{End: 100, ToLSN: 42})
	inc, err := s.Register(artifact.Artifact{Kind: artifact.KindIncremental, Parent: full})
	require.NoError(t, err)

	// Garbage next to valid records is skipped.
	junk := filepath.Join(s.Root(), "junk")
	require.NoError(t, os.MkdirAll(junk, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(junk, MetadataFilename), []byte("{"), 0o600))
	// Staging is never indexed.
	staging := filepath.Join(s.Root(), StagingDirname, "run")
	require.NoError(t, os.MkdirAll(staging, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(staging, MetadataFilename), []byte(`{"id":"x"}`), 0o600))

	reopened, err := Open(s.Root())
	require.NoError(t, err)
	assert.Len(t, reopened.Snapshot(), 2)

	a, err := reopened.Get(full)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusComplete, a.Status)
	assert.EqualValues(t, 42, a.ToLSN)
	assert.Equal(t, artifact.Position(100), a.End)

	b, err := reopened.Get(inc)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusInProgress, b.Status)
	assert.Equal(t, full, b.Parent)
}

func TestLockFailsFast(t *testing.T) {
	s := openStore(t)
	release, err := s.Lock("full-1")
	require.NoError(t, err)

	_, err = s.Lock("full-1")
	assert.ErrorIs(t, err, ErrConflictingOperation)
	assert.ErrorIs(t, err, fault.Conflict)

	other, err := s.Lock("full-2")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := s.Lock("full-1")
	require.NoError(t, err)
	again()
}

func TestDeleteRefusesLockedArtifact(t *testing.T) {
	s := openStore(t)
	id := registerComplete(t, s, artifact.Artifact{Kind: artifact.KindFull}, Completion{})
	release, err := s.Lock(id)
	require.NoError(t, err)

	assert.True(t, s.Locked(id))
	assert.ErrorIs(t, s.Delete(id), ErrConflictingOperation)
	release()
	assert.False(t, s.Locked(id))
	assert.NoError(t, s.Delete(id))
}

func mustGet(t *testing.T, s *Store, id string) artifact.Artifact {
	t.Helper()
	a, err := s.Get(id)
	require.NoError(t, err)
	return a
}
