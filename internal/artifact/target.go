package artifact

import (
	"fmt"
	"time"
)

// Target is a recovery boundary, either a log position or a wall-clock time.
type Target struct {
	Position Position
	Time     time.Time
}

// AtPosition returns a position boundary.
func AtPosition(p Position) Target { return Target{Position: p} }

// AtTime returns a time boundary.
func AtTime(t time.Time) Target { return Target{Time: t} }

// ByTime reports whether t is a time boundary.
func (t Target) ByTime() bool { return !t.Time.IsZero() }

// Validate checks that exactly one boundary is set.
func (t Target) Validate() error {
	if t.ByTime() == !t.Position.IsZero() {
		return fmt.Errorf("recovery target needs exactly one of position or time")
	}
	return nil
}

// Includes reports whether a point (pos, at) is at or before the boundary.
func (t Target) Includes(pos Position, at time.Time) bool {
	if t.ByTime() {
		return !at.After(t.Time)
	}
	return pos <= t.Position
}

// ReachedBy reports whether log coverage ending at (pos, at) satisfies the
// boundary.
func (t Target) ReachedBy(pos Position, at time.Time) bool {
	if t.ByTime() {
		return !at.Before(t.Time)
	}
	return pos >= t.Position
}

func (t Target) String() string {
	if t.ByTime() {
		return t.Time.UTC().Format(time.RFC3339)
	}
	return "position " + t.Position.String()
}
