package database

import (
	"errors"

	"github.com/kebairia/hotbackup/internal/fault"
)

var (
	ErrUnexpectedOutput = fault.New(fault.ExternalTool, "unexpected mysql output")
	ErrNoBinaryLogs     = fault.New(fault.Dependency, "binary logging is disabled on the server")
	ErrApplyFailed      = errors.New("apply SQL failed")
)

// BinaryLog is one row of SHOW BINARY LOGS.
type BinaryLog struct {
	Name string
	Size int64
}
