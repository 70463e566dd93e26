// Package artifact defines the backup artifacts tracked by the store and the
// coordinates used to chain them together.
package artifact

import (
	"fmt"
	"slices"
	"time"

	"github.com/kebairia/hotbackup/internal/fault"
)

// ErrInvalidTransition is returned when a status change would leave a
// terminal state.
var ErrInvalidTransition = fault.New(fault.Conflict, "invalid status transition")

// Kind is the type of a backup artifact.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindBinlog      Kind = "binlog"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFull, KindIncremental, KindBinlog:
		return k, nil
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// Status is the completion status of an artifact.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// IDTimeFormat is the timestamp layout embedded in artifact identifiers.
const IDTimeFormat = "20060102T150405.000Z"

// Artifact is one backup unit and its metadata record.
type Artifact struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	// Dir is the artifact directory, Location the data directory or archive
	// inside it. Both are relative to the backup root.
	Dir      string `json:"dir"`
	Location string `json:"location"`
	Archived bool   `json:"archived"`
	Size     int64  `json:"size_bytes"`

	Parent string     `json:"parent,omitempty"`
	Tables TableScope `json:"tables,omitempty"`

	// Start and End delimit the binary log range the artifact accounts for.
	// For a full backup both are the position at which the copy became
	// consistent.
	Start     Position  `json:"start_position"`
	End       Position  `json:"end_position"`
	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`

	// InnoDB checkpoint range reported by the copy engine.
	FromLSN uint64 `json:"from_lsn,omitempty"`
	ToLSN   uint64 `json:"to_lsn,omitempty"`

	// Files lists the binlog files held by a binlog segment.
	Files []string `json:"files,omitempty"`

	ServerVersion string `json:"server_version,omitempty"`
	ToolVersion   string `json:"tool_version,omitempty"`
}

// NewID derives an identifier from the kind and creation time.
func NewID(kind Kind, t time.Time) string {
	return string(kind) + "-" + t.UTC().Format(IDTimeFormat)
}

// Transition moves a to status to, enforcing InProgress -> terminal only.
func (a *Artifact) Transition(to Status) error {
	if a.Status != StatusInProgress || !to.Terminal() {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, a.ID, a.Status, to)
	}
	a.Status = to
	return nil
}

// Complete reports whether a finished successfully.
func (a *Artifact) Complete() bool { return a.Status == StatusComplete }

// Clone returns a deep copy of a.
func (a Artifact) Clone() Artifact {
	a.Tables = slices.Clone(a.Tables)
	a.Files = slices.Clone(a.Files)
	return a
}

// Less orders artifacts by log position, then creation time, then id.
func Less(a, b Artifact) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Compare is Less as a three-way comparison for slices.SortFunc.
func Compare(a, b Artifact) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}
