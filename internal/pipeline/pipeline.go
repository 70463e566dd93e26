// Package pipeline models multi-step operations as explicit state machines so
// that a failed run can be inspected by stage instead of reconstructed from
// logs.
package pipeline

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Stage names one step of a pipeline.
type Stage string

// Failed is the terminal stage every pipeline can reach from a non-terminal
// stage.
const Failed Stage = "failed"

// Table lists the stages reachable from each stage. A stage with no entry is
// terminal.
type Table map[Stage][]Stage

// Transition records one step taken by a Machine.
type Transition struct {
	From Stage     `json:"from"`
	To   Stage     `json:"to"`
	At   time.Time `json:"at"`
	Err  string    `json:"error,omitempty"`
}

// Machine tracks the current stage of one run.
type Machine struct {
	mu      sync.Mutex
	table   Table
	current Stage
	failed  Stage
	history []Transition
	now     func() time.Time
}

// New starts a machine at initial.
func New(table Table, initial Stage) *Machine {
	return &Machine{table: table, current: initial, now: time.Now}
}

// Current returns the stage the machine is in.
func (m *Machine) Current() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// FailedAt returns the stage that was active when Fail was called.
func (m *Machine) FailedAt() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Advance moves to the next stage if the table allows it.
func (m *Machine) Advance(to Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.table[m.current], to) {
		return fmt.Errorf("pipeline: transition %s -> %s not allowed", m.current, to)
	}
	m.record(to, nil)
	return nil
}

// Fail moves to Failed, remembering the stage that failed.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal() {
		return
	}
	m.failed = m.current
	m.record(Failed, err)
}

// Terminal reports whether no further transition is possible.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal()
}

func (m *Machine) terminal() bool {
	return m.current == Failed || len(m.table[m.current]) == 0
}

// History returns a copy of the transitions taken so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

func (m *Machine) record(to Stage, err error) {
	t := Transition{From: m.current, To: to, At: m.now()}
	if err != nil {
		t.Err = err.Error()
	}
	m.history = append(m.history, t)
	m.current = to
}
