// Package fault classifies the errors surfaced by the backup and recovery
// pipelines so callers can decide between retrying, fixing the request, or
// escalating to an operator.
package fault

import "errors"

// Class is a broad error category. It implements error so that
// errors.Is(err, fault.Validation) works on any classified error.
type Class string

func (c Class) Error() string { return string(c) }

const (
	// Validation means the request itself is malformed. Never retried.
	Validation Class = "validation error"
	// Dependency means a prerequisite artifact is missing or incomplete.
	Dependency Class = "dependency error"
	// Conflict means a concurrent mutation collided. The caller may retry.
	Conflict Class = "conflicting operation"
	// ExternalTool means a copy, replay or transport process failed.
	ExternalTool Class = "external tool error"
	// Consistency means the artifact tree cannot satisfy the request
	// without guessing. Always fatal.
	Consistency Class = "consistency error"
)

// Error is a sentinel error tagged with a Class.
type Error struct {
	class Class
	msg   string
}

// New returns a sentinel error that matches both itself and class.
func New(class Class, msg string) *Error {
	return &Error{class: class, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Class returns the category of e.
func (e *Error) Class() Class { return e.class }

// Is reports whether target is e's class.
func (e *Error) Is(target error) bool {
	c, ok := target.(Class)
	return ok && c == e.class
}

// Wrap tags an arbitrary error with a class without losing the original chain.
func Wrap(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{class: class, err: err}
}

type wrapped struct {
	class Class
	err   error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) Is(target error) bool {
	c, ok := target.(Class)
	return ok && c == w.class
}

// ClassOf returns the first class found in err's chain, or "" if none.
func ClassOf(err error) Class {
	for _, c := range []Class{Validation, Dependency, Conflict, Consistency, ExternalTool} {
		if errors.Is(err, c) {
			return c
		}
	}
	return ""
}

// Exit codes returned by the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUserError   = 2
	ExitPrecondFail = 3
)

// ExitCode maps err to a process exit code, separating user errors from
// operational failures.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch ClassOf(err) {
	case Validation:
		return ExitUserError
	case Dependency, Conflict, Consistency:
		return ExitPrecondFail
	default:
		return ExitFailure
	}
}
