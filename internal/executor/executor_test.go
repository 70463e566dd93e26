package executor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunCapturesOutput(t *testing.T) {
	res, err := (&Local{}).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestLocalRunStreamsStdinAndStdout(t *testing.T) {
	var out bytes.Buffer
	_, err := (&Local{}).Run(context.Background(), Command{
		Name:   "cat",
		Stdin:  strings.NewReader("SELECT 1;\n"),
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;\n", out.String())
}

func TestLocalRunNonZeroExit(t *testing.T) {
	res, err := (&Local{}).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo broken >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.ErrorIs(t, err, fault.ExternalTool)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "broken", exitErr.Stderr)
}

func TestLocalRunCancellationTerminatesProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&Local{}).Run(ctx, Command{Name: "sleep", Args: []string{"30"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type recorder struct{ got Command }

func (r *recorder) Run(_ context.Context, c Command) (Result, error) {
	r.got = c
	return Result{}, nil
}

func TestContainerWrap(t *testing.T) {
	rec := &recorder{}
	c := &Container{Runtime: "podman", Target: "mysql-1", Inner: rec}
	_, err := c.Run(context.Background(), Command{
		Name:  "mysql",
		Args:  []string{"-N", "-e", "SELECT 1"},
		Env:   []string{"MYSQL_PWD=pw"},
		Stdin: strings.NewReader(""),
	})
	require.NoError(t, err)
	assert.Equal(t, "podman", rec.got.Name)
	assert.Equal(t,
		[]string{"exec", "-i", "-e", "MYSQL_PWD", "mysql-1", "mysql", "-N", "-e", "SELECT 1"},
		rec.got.Args)
	assert.Equal(t, []string{"MYSQL_PWD=pw"}, rec.got.Env)
}

func TestNewSelectsImplementation(t *testing.T) {
	assert.IsType(t, &Local{}, New(config.ContainerConfig{}))
	assert.IsType(t, &Container{}, New(config.ContainerConfig{Enabled: true, Target: "db"}))
}

func TestShell(t *testing.T) {
	cmd, ok := Shell("  systemctl  stop mysql ")
	require.True(t, ok)
	assert.Equal(t, "systemctl", cmd.Name)
	assert.Equal(t, []string{"stop", "mysql"}, cmd.Args)

	_, ok = Shell("   ")
	assert.False(t, ok)
}

type toolbox map[string]Result

func (b toolbox) Run(_ context.Context, c Command) (Result, error) {
	res, ok := b[c.Name]
	if !ok {
		return Result{ExitCode: 127}, &ExitError{Command: c.String(), ExitCode: 127, Stderr: "command not found"}
	}
	return res, nil
}

func TestRequireReportsEveryMissingTool(t *testing.T) {
	box := toolbox{
		"xtrabackup": {Stderr: "\nxtrabackup version 8.0.35-30 based on MySQL server 8.0.35\n"},
		"mysql":      {Stdout: "mysql  Ver 8.0.35 for Linux on x86_64\n"},
	}
	tools, err := Require(context.Background(), box, "xtrabackup", "mysql", "", "mysqlbinlog", "mysqldump")
	require.Len(t, tools, 4)
	assert.Equal(t, "xtrabackup version 8.0.35-30 based on MySQL server 8.0.35", tools[0].Version)
	assert.Equal(t, "mysql  Ver 8.0.35 for Linux on x86_64", tools[1].Version)
	assert.NoError(t, tools[1].Err)
	assert.ErrorIs(t, tools[2].Err, ErrToolMissing)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolMissing)
	assert.Equal(t, fault.ExitPrecondFail, fault.ExitCode(err))
	assert.Contains(t, err.Error(), "mysqlbinlog")
	assert.Contains(t, err.Error(), "mysqldump")

	_, err = Require(context.Background(), box, "xtrabackup", "mysql")
	assert.NoError(t, err)
}
