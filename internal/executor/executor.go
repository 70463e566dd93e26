// Package executor runs external tools either on the local host or inside a
// container, behind a single Run contract.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/fault"
)

// stderrTail bounds how much diagnostic output an ExitError carries.
const stderrTail = 4096

// killGrace is how long a cancelled process gets between SIGTERM and SIGKILL.
const killGrace = 10 * time.Second

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	// Env holds extra KEY=VALUE pairs on top of the inherited environment.
	Env []string
	// Stdin, when set, is streamed to the process.
	Stdin io.Reader
	// Stdout, when set, receives standard output instead of Result.Stdout.
	Stdout io.Writer
	Dir    string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs commands. Implementations must terminate the process when
// ctx is cancelled.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError reports a process that could not start or exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Is classifies every ExitError as an external tool failure.
func (e *ExitError) Is(target error) bool { return target == fault.ExternalTool }

// New returns the executor selected by cfg.
func New(cfg config.ContainerConfig) Executor {
	if cfg.Enabled {
		return &Container{Runtime: cfg.Runtime, Target: cfg.Target}
	}
	return &Local{}
}

// Local runs commands directly on the host.
type Local struct{}

var _ Executor = (*Local)(nil)

func (l *Local) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	exitErr := &ExitError{Command: c.String(), ExitCode: res.ExitCode, Stderr: tail(res.Stderr)}
	if ctxErr := ctx.Err(); ctxErr != nil {
		exitErr.Err = ctxErr
	} else {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			exitErr.Err = err
		}
	}
	return res, exitErr
}

// Container runs commands inside a running container through the runtime
// CLI, e.g. "docker exec -i mysql xtrabackup ...". The backup root and binlog
// directory must be mounted at the same paths inside the container.
type Container struct {
	Runtime string
	Target  string
	// Inner executes the runtime CLI itself. Defaults to Local.
	Inner Executor
}

var _ Executor = (*Container)(nil)

func (c *Container) Run(ctx context.Context, cmd Command) (Result, error) {
	inner := c.Inner
	if inner == nil {
		inner = &Local{}
	}
	return inner.Run(ctx, c.Wrap(cmd))
}

// Wrap rewrites cmd into the runtime's exec form.
func (c *Container) Wrap(cmd Command) Command {
	runtime := c.Runtime
	if runtime == "" {
		runtime = "docker"
	}
	args := []string{"exec"}
	if cmd.Stdin != nil {
		args = append(args, "-i")
	}
	if cmd.Dir != "" {
		args = append(args, "-w", cmd.Dir)
	}
	// Values are passed through the runtime's environment, never in argv.
	for _, kv := range cmd.Env {
		name, _, _ := strings.Cut(kv, "=")
		args = append(args, "-e", name)
	}
	args = append(args, c.Target, cmd.Name)
	args = append(args, cmd.Args...)
	return Command{Name: runtime, Args: args, Env: cmd.Env, Stdin: cmd.Stdin, Stdout: cmd.Stdout}
}

// Shell splits a configured command line such as "systemctl stop mysql" on
// whitespace. Quoting is not supported.
func Shell(line string) (Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: fields[0], Args: fields[1:]}, true
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return "..." + s[len(s)-stderrTail:]
}
