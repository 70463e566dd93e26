package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/kebairia/hotbackup/internal/fault"
	"go.uber.org/multierr"
)

// ErrToolMissing is reported for every tool Require could not run.
var ErrToolMissing = fault.New(fault.Dependency, "required tool is not available")

// Tool is the outcome of probing one binary.
type Tool struct {
	Name    string
	Version string
	Err     error
}

// Require runs each tool with --version through exec. Empty names are
// skipped. The returned error lists every tool that failed.
func Require(ctx context.Context, exec Executor, names ...string) ([]Tool, error) {
	var (
		tools []Tool
		errs  error
	)
	for _, name := range names {
		if name == "" {
			continue
		}
		res, err := exec.Run(ctx, Command{Name: name, Args: []string{"--version"}})
		t := Tool{Name: name, Version: firstLine(res.Stdout, res.Stderr)}
		if err != nil {
			t.Err = fmt.Errorf("%w: %s: %w", ErrToolMissing, name, err)
			errs = multierr.Append(errs, t.Err)
		}
		tools = append(tools, t)
	}
	return tools, errs
}

// firstLine returns the first non-empty line found in outs. xtrabackup
// prints its version on stderr.
func firstLine(outs ...string) string {
	for _, out := range outs {
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				return line
			}
		}
	}
	return ""
}
