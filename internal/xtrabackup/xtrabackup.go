// Package xtrabackup adapts Percona XtraBackup as the hot-copy engine.
package xtrabackup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/logger"
)

const (
	CheckpointsFile = "xtrabackup_checkpoints"
	BinlogInfoFile  = "xtrabackup_binlog_info"
)

var ErrMalformedInfo = errors.New("malformed xtrabackup info file")

// Conn supplies the connection flags and environment of the MySQL server.
type Conn interface {
	ConnArgs() []string
	Env() []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithBinary overrides the xtrabackup executable.
func WithBinary(bin string) Option {
	return func(e *Engine) {
		if bin != "" {
			e.Binary = bin
		}
	}
}

// WithParallel sets the number of copy threads.
func WithParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.Parallel = n
		}
	}
}

// WithCompress makes xtrabackup compress each copied file.
func WithCompress(on bool) Option {
	return func(e *Engine) { e.Compress = on }
}

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine drives xtrabackup through an executor.
type Engine struct {
	Binary   string
	Parallel int
	Compress bool

	exec executor.Executor
	conn Conn
	log  logger.Logger
}

// New returns an Engine running xtrabackup through exec.
func New(exec executor.Executor, conn Conn, opts ...Option) *Engine {
	e := &Engine{Binary: "xtrabackup", Parallel: 1, exec: exec, conn: conn, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CopyRequest describes one backup run.
type CopyRequest struct {
	TargetDir string
	Tables    artifact.TableScope
	// IncrementalLSN, when non-zero, copies only pages changed after it.
	IncrementalLSN uint64
	// IncrementalBaseDir is used when the base LSN is unknown.
	IncrementalBaseDir string
}

// CopyResult is what a finished copy reports about itself.
type CopyResult struct {
	Checkpoints Checkpoints
	// Position is the binary log coordinate the copy is consistent with.
	// It is zero when the server does not log binaries.
	Position   artifact.Position
	BinlogFile string
	Finished   time.Time
}

// Copy runs a hot backup into req.TargetDir.
func (e *Engine) Copy(ctx context.Context, req CopyRequest) (CopyResult, error) {
	args := append([]string{"--backup", "--target-dir=" + req.TargetDir}, e.connFlags()...)
	args = append(args, "--parallel="+strconv.Itoa(e.Parallel))
	if e.Compress {
		args = append(args, "--compress")
	}
	switch {
	case req.IncrementalLSN != 0:
		args = append(args, "--incremental-lsn="+strconv.FormatUint(req.IncrementalLSN, 10))
	case req.IncrementalBaseDir != "":
		args = append(args, "--incremental-basedir="+req.IncrementalBaseDir)
	}
	if !req.Tables.IsAll() {
		args = append(args, "--databases="+databasesFlag(req.Tables))
	}

	e.log.Info("hot copy started", "target", req.TargetDir, "tables", req.Tables.String(), "incremental_lsn", req.IncrementalLSN)
	start := time.Now()
	if _, err := e.exec.Run(ctx, executor.Command{Name: e.Binary, Args: args, Env: e.conn.Env()}); err != nil {
		return CopyResult{}, fmt.Errorf("xtrabackup backup: %w", err)
	}

	cp, err := ReadCheckpoints(req.TargetDir)
	if err != nil {
		return CopyResult{}, err
	}
	res := CopyResult{Checkpoints: cp, Finished: time.Now()}
	res.BinlogFile, res.Position, err = ReadBinlogInfo(req.TargetDir)
	if err != nil {
		return CopyResult{}, err
	}
	e.log.Info("hot copy completed", "target", req.TargetDir, "to_lsn", cp.ToLSN, "position", res.Position, "duration", time.Since(start).String())
	return res, nil
}

// connFlags renders Conn.ConnArgs in the --key=value form xtrabackup wants.
func (e *Engine) connFlags() []string {
	in := e.conn.ConnArgs()
	names := map[string]string{"-u": "--user", "-h": "--host", "-P": "--port", "-S": "--socket"}
	var out []string
	for i := 0; i < len(in); i++ {
		if long, ok := names[in[i]]; ok && i+1 < len(in) {
			out = append(out, long+"="+in[i+1])
			i++
			continue
		}
		out = append(out, in[i])
	}
	return out
}

// databasesFlag converts a scope into xtrabackup's --databases list, where a
// bare name selects the whole database.
func databasesFlag(s artifact.TableScope) string {
	parts := make([]string, 0, len(s))
	for _, t := range s {
		parts = append(parts, strings.TrimSuffix(t, ".*"))
	}
	return strings.Join(parts, " ")
}

// Prepare applies the redo log of dir. With incrementalDir set, the delta in
// that directory is merged into dir. applyLogOnly must be set for every step
// but the last one of a chain.
func (e *Engine) Prepare(ctx context.Context, dir, incrementalDir string, applyLogOnly bool) error {
	args := []string{"--prepare", "--target-dir=" + dir}
	if applyLogOnly {
		args = append(args, "--apply-log-only")
	}
	if incrementalDir != "" {
		args = append(args, "--incremental-dir="+incrementalDir)
	}
	if _, err := e.exec.Run(ctx, executor.Command{Name: e.Binary, Args: args}); err != nil {
		return fmt.Errorf("xtrabackup prepare %s: %w", dir, err)
	}
	return nil
}

// Decompress expands the per-file compression of a --compress backup.
func (e *Engine) Decompress(ctx context.Context, dir string) error {
	args := []string{"--decompress", "--remove-original", "--target-dir=" + dir, "--parallel=" + strconv.Itoa(e.Parallel)}
	if _, err := e.exec.Run(ctx, executor.Command{Name: e.Binary, Args: args}); err != nil {
		return fmt.Errorf("xtrabackup decompress %s: %w", dir, err)
	}
	return nil
}

// CopyBack copies a prepared backup into an empty datadir.
func (e *Engine) CopyBack(ctx context.Context, dir, datadir string) error {
	args := []string{"--copy-back", "--target-dir=" + dir, "--datadir=" + datadir}
	if _, err := e.exec.Run(ctx, executor.Command{Name: e.Binary, Args: args}); err != nil {
		return fmt.Errorf("xtrabackup copy-back: %w", err)
	}
	return nil
}

var versionRe = regexp.MustCompile(`version\s+([0-9][0-9A-Za-z.\-]*)`)

// Version returns the xtrabackup release, e.g. "8.0.35-30".
func (e *Engine) Version(ctx context.Context) (string, error) {
	res, err := e.exec.Run(ctx, executor.Command{Name: e.Binary, Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("xtrabackup version: %w", err)
	}
	// xtrabackup prints its banner on stderr.
	m := versionRe.FindStringSubmatch(res.Stderr + res.Stdout)
	if m == nil {
		return "", fmt.Errorf("%w: no version in %q", ErrMalformedInfo, strings.TrimSpace(res.Stderr+res.Stdout))
	}
	return m[1], nil
}

// Checkpoints is the content of xtrabackup_checkpoints.
type Checkpoints struct {
	BackupType string
	FromLSN    uint64
	ToLSN      uint64
	LastLSN    uint64
	Compact    bool
}

// ReadCheckpoints parses dir/xtrabackup_checkpoints.
func ReadCheckpoints(dir string) (Checkpoints, error) {
	kv, err := readKeyValues(filepath.Join(dir, CheckpointsFile))
	if err != nil {
		return Checkpoints{}, err
	}
	var cp Checkpoints
	cp.BackupType = kv["backup_type"]
	for key, dst := range map[string]*uint64{"from_lsn": &cp.FromLSN, "to_lsn": &cp.ToLSN, "last_lsn": &cp.LastLSN} {
		v, ok := kv[key]
		if !ok {
			continue
		}
		if *dst, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Checkpoints{}, fmt.Errorf("%w: %s = %q", ErrMalformedInfo, key, v)
		}
	}
	cp.Compact = kv["compact"] == "1"
	if cp.BackupType == "" || cp.ToLSN == 0 {
		return Checkpoints{}, fmt.Errorf("%w: %s lacks backup_type or to_lsn", ErrMalformedInfo, CheckpointsFile)
	}
	return cp, nil
}

func readKeyValues(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		kv[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return kv, sc.Err()
}

// ReadBinlogInfo parses dir/xtrabackup_binlog_info. A missing file means
// binary logging was off and yields a zero position.
func ReadBinlogInfo(dir string) (string, artifact.Position, error) {
	data, err := os.ReadFile(filepath.Join(dir, BinlogInfoFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return "", 0, fmt.Errorf("%w: %s: %q", ErrMalformedInfo, BinlogInfoFile, strings.TrimSpace(string(data)))
	}
	pos, err := artifact.ParsePosition(fields[0] + ":" + fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedInfo, err)
	}
	return fields[0], pos, nil
}
