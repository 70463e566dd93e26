// Package store is the filesystem-backed registry of backup artifacts. It is
// the single owner of artifact metadata: every mutation goes through one
// writer, and every record is mirrored to a metadata.json next to the data so
// the index can be rebuilt by scanning the backup root.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/logger"
)

var (
	ErrNotFound             = fault.New(fault.Dependency, "artifact not found")
	ErrParentNotComplete    = fault.New(fault.Dependency, "parent artifact is not complete")
	ErrDependencyExists     = fault.New(fault.Dependency, "artifact has dependents")
	ErrConflictingOperation = fault.New(fault.Conflict, "conflicting operation in progress")
	ErrInProgress           = fault.New(fault.Conflict, "artifact is still in progress")
	ErrInvalidArtifact      = fault.New(fault.Validation, "invalid artifact")
)

// Option configures a Store.
type Option func(*Store)

// WithDatedDirs nests artifact directories under YYYY/MM/DD.
func WithDatedDirs(enabled bool) Option {
	return func(s *Store) { s.dated = enabled }
}

// WithLogger sets the logger used for scan warnings and mutations.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the artifact registry rooted at a backup directory.
type Store struct {
	root  string
	dated bool
	log   logger.Logger
	now   func() time.Time

	mu    sync.RWMutex
	index map[string]*artifact.Artifact

	slotMu sync.Mutex
	slots  map[string]struct{}
}

// Open loads the registry by scanning root, creating it if needed.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:  filepath.Clean(root),
		log:   logger.Nop(),
		now:   time.Now,
		slots: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return nil, fmt.Errorf("create backup root %q: %w", s.root, err)
	}
	if err := s.Rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// Rebuild discards the in-memory index and reloads it from disk.
func (s *Store) Rebuild() error {
	index, err := scan(s.root, func(path string, err error) {
		s.log.Warn("skipping unreadable artifact metadata", "path", path, "error", err)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	s.log.Debug("artifact index loaded", "root", s.root, "artifacts", len(index))
	return nil
}

// Root returns the backup root directory.
func (s *Store) Root() string { return s.root }

// Abs resolves a root-relative path.
func (s *Store) Abs(rel string) string { return filepath.Join(s.root, rel) }

// DataDir returns the absolute raw data directory of a.
func (s *Store) DataDir(a artifact.Artifact) string {
	return filepath.Join(s.root, a.Dir, DataDirname)
}

// Register persists a new InProgress record and creates its data directory
// before any copying starts, so interrupted copies stay discoverable.
func (s *Store) Register(a artifact.Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateNew(&a); err != nil {
		return "", err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.ID = artifact.NewID(a.Kind, a.CreatedAt)
	for s.index[a.ID] != nil {
		a.CreatedAt = a.CreatedAt.Add(time.Millisecond)
		a.ID = artifact.NewID(a.Kind, a.CreatedAt)
	}
	a.Status = artifact.StatusInProgress
	a.Tables = artifact.NewTableScope(a.Tables...)
	a.Dir = s.dirFor(a)
	a.Location = locationFor(a.Dir, false)
	a.Archived = false

	if err := os.MkdirAll(s.Abs(a.Location), 0o750); err != nil {
		return "", fmt.Errorf("create artifact directory %q: %w", a.Dir, err)
	}
	if err := writeMetadata(s.Abs(a.Dir), &a); err != nil {
		return "", err
	}
	s.index[a.ID] = &a
	s.log.Info("artifact registered", "artifact", a.ID, "kind", a.Kind, "parent", a.Parent)
	return a.ID, nil
}

func (s *Store) validateNew(a *artifact.Artifact) error {
	switch a.Kind {
	case artifact.KindFull, artifact.KindBinlog:
		if a.Parent != "" {
			return fmt.Errorf("%w: %s artifact cannot have a parent", ErrInvalidArtifact, a.Kind)
		}
	case artifact.KindIncremental:
		parent, ok := s.index[a.Parent]
		if !ok {
			return fmt.Errorf("%w: parent %q", ErrNotFound, a.Parent)
		}
		if parent.Kind == artifact.KindBinlog {
			return fmt.Errorf("%w: parent %s is a binlog segment", ErrInvalidArtifact, parent.ID)
		}
		if !parent.Complete() {
			return fmt.Errorf("%w: %s is %s", ErrParentNotComplete, parent.ID, parent.Status)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, a.Kind)
	}
	return nil
}

func (s *Store) dirFor(a artifact.Artifact) string {
	if !s.dated {
		return a.ID
	}
	return filepath.Join(a.CreatedAt.Format("2006"), a.CreatedAt.Format("01"), a.CreatedAt.Format("02"), a.ID)
}

// Completion carries the facts known once a copy finishes.
type Completion struct {
	Size      int64
	Start     artifact.Position
	End       artifact.Position
	StartTime time.Time
	EndTime   time.Time
	FromLSN   uint64
	ToLSN     uint64
	Files     []string

	ServerVersion string
	ToolVersion   string
}

// MarkComplete flips id to Complete and records the copy results. Zero
// fields in c leave the registered values untouched.
func (s *Store) MarkComplete(id string, c Completion) error {
	return s.mutate(id, func(a *artifact.Artifact) error {
		if err := a.Transition(artifact.StatusComplete); err != nil {
			return err
		}
		a.CompletedAt = s.now().UTC()
		a.Size = c.Size
		if !c.Start.IsZero() {
			a.Start = c.Start
		}
		if !c.End.IsZero() {
			a.End = c.End
		}
		if !c.StartTime.IsZero() {
			a.StartTime = c.StartTime.UTC()
		}
		if !c.EndTime.IsZero() {
			a.EndTime = c.EndTime.UTC()
		}
		if c.FromLSN != 0 {
			a.FromLSN = c.FromLSN
		}
		if c.ToLSN != 0 {
			a.ToLSN = c.ToLSN
		}
		if len(c.Files) > 0 {
			a.Files = slices.Clone(c.Files)
		}
		if c.ServerVersion != "" {
			a.ServerVersion = c.ServerVersion
		}
		if c.ToolVersion != "" {
			a.ToolVersion = c.ToolVersion
		}
		return nil
	})
}

// MarkFailed flips id to Failed. Partial files are left in place.
func (s *Store) MarkFailed(id, reason string) error {
	return s.mutate(id, func(a *artifact.Artifact) error {
		if err := a.Transition(artifact.StatusFailed); err != nil {
			return err
		}
		a.CompletedAt = s.now().UTC()
		a.Reason = reason
		return nil
	})
}

// Relocate records the archived form of a Complete artifact.
func (s *Store) Relocate(id string, archived bool, size int64) error {
	return s.mutate(id, func(a *artifact.Artifact) error {
		if !a.Complete() {
			return fmt.Errorf("%w: relocate %s in status %s", artifact.ErrInvalidTransition, a.ID, a.Status)
		}
		a.Archived = archived
		a.Location = locationFor(a.Dir, archived)
		a.Size = size
		return nil
	})
}

// mutate applies fn to a copy of the record, persists it, and only then
// publishes it to the index.
func (s *Store) mutate(id string, fn func(*artifact.Artifact) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := writeMetadata(s.Abs(next.Dir), &next); err != nil {
		return err
	}
	s.index[id] = &next
	s.log.Debug("artifact updated", "artifact", id, "status", next.Status, "archived", next.Archived)
	return nil
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.index[id]
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// Filter selects artifacts in List. Zero fields match everything.
type Filter struct {
	Kinds    []artifact.Kind
	Statuses []artifact.Status
	Since    time.Time
	Until    time.Time
	// Tables keeps artifacts whose scope covers these tables.
	Tables artifact.TableScope
}

func (f Filter) match(a *artifact.Artifact) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, a.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.CreatedAt.After(f.Until) {
		return false
	}
	if !f.Tables.IsAll() && a.Kind != artifact.KindBinlog && !a.Tables.Covers(f.Tables) {
		return false
	}
	return true
}

// List returns matching artifacts ordered by log position then creation time.
func (s *Store) List(f Filter) []artifact.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []artifact.Artifact
	for _, a := range s.index {
		if f.match(a) {
			out = append(out, a.Clone())
		}
	}
	slices.SortFunc(out, artifact.Compare)
	return out
}

// Snapshot returns every artifact, ordered like List.
func (s *Store) Snapshot() []artifact.Artifact {
	return s.List(Filter{})
}

// Dependents returns the ids of all artifacts whose parent chain includes id.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dependents(id)
}

func (s *Store) dependents(id string) []string {
	children := make(map[string][]string)
	for _, a := range s.index {
		if a.Parent != "" {
			children[a.Parent] = append(children[a.Parent], a.ID)
		}
	}
	var out []string
	queue := slices.Clone(children[id])
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		queue = append(queue, children[next]...)
	}
	slices.Sort(out)
	return out
}

// Delete removes a batch of artifacts. A member whose dependents are not all
// in the batch aborts the whole call before anything is removed. Children
// are removed before their parents.
func (s *Store) Delete(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]bool, len(ids))
	for _, id := range ids {
		batch[id] = true
	}
	depth := make(map[string]int, len(ids))
	for _, id := range ids {
		a, ok := s.index[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if a.Status == artifact.StatusInProgress {
			return fmt.Errorf("%w: %s", ErrInProgress, id)
		}
		if s.Locked(id) {
			return fmt.Errorf("%w: %s is in use", ErrConflictingOperation, id)
		}
		for _, dep := range s.dependents(id) {
			if !batch[dep] {
				return fmt.Errorf("%w: %s is required by %s", ErrDependencyExists, id, dep)
			}
		}
		depth[id] = s.depth(a)
	}

	order := make([]string, 0, len(batch))
	for id := range batch {
		order = append(order, id)
	}
	slices.SortFunc(order, func(a, b string) int {
		if d := depth[b] - depth[a]; d != 0 {
			return d
		}
		return cmp.Compare(a, b)
	})

	for _, id := range order {
		if err := s.remove(s.index[id]); err != nil {
			return err
		}
		delete(s.index, id)
		s.log.Info("artifact deleted", "artifact", id)
	}
	return nil
}

func (s *Store) depth(a *artifact.Artifact) int {
	d := 0
	for a.Parent != "" {
		parent, ok := s.index[a.Parent]
		if !ok {
			break
		}
		a = parent
		d++
	}
	return d
}

// remove deletes the data first and the metadata last, so a crash in between
// leaves a record that a later clean can finish.
func (s *Store) remove(a *artifact.Artifact) error {
	dir := s.Abs(a.Dir)
	for _, name := range []string{DataDirname, ArchiveFilename} {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("remove data of %s: %w", a.ID, err)
		}
	}
	if err := os.Remove(filepath.Join(dir, MetadataFilename)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove metadata of %s: %w", a.ID, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove directory of %s: %w", a.ID, err)
	}
	s.pruneEmptyParents(filepath.Dir(dir))
	return nil
}

// pruneEmptyParents removes empty dated directories up to the root.
func (s *Store) pruneEmptyParents(dir string) {
	for dir != s.root && len(dir) > len(s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Lock claims the operation slot for id. Only one chain-extending or
// archival operation may hold a slot at a time; a second caller fails fast
// with ErrConflictingOperation instead of queuing.
func (s *Store) Lock(id string) (release func(), err error) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if _, held := s.slots[id]; held {
		return nil, fmt.Errorf("%w: %s", ErrConflictingOperation, id)
	}
	s.slots[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.slotMu.Lock()
			delete(s.slots, id)
			s.slotMu.Unlock()
		})
	}, nil
}

// Locked reports whether an operation holds the slot of id.
func (s *Store) Locked(id string) bool {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	_, held := s.slots[id]
	return held
}
