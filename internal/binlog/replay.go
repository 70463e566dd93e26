package binlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/logger"
)

// ErrNothingToReplay is returned when no file falls inside the window.
var ErrNothingToReplay = errors.New("no binary log inside the replay window")

// Applier feeds SQL into the server.
type Applier interface {
	Apply(ctx context.Context, r io.Reader, database string) error
}

// Replayer decodes binary logs with mysqlbinlog and applies the result.
type Replayer struct {
	Binary string

	exec    executor.Executor
	applier Applier
	log     logger.Logger
}

// NewReplayer returns a Replayer using the mysqlbinlog executable bin.
func NewReplayer(exec executor.Executor, applier Applier, bin string, log logger.Logger) *Replayer {
	if bin == "" {
		bin = "mysqlbinlog"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Replayer{Binary: bin, exec: exec, applier: applier, log: log}
}

// ReplayRequest bounds one replay.
type ReplayRequest struct {
	// Files are absolute paths of binary logs, in any order.
	Files []string
	From  artifact.Position
	// To is exclusive. Zero means the end of the last file.
	To artifact.Position
	// StopTime, when set, stops at the first event at or after it.
	StopTime time.Time
	// Databases limits replay to these schemas, one pass each.
	Databases []string
	// WorkDir receives the decoded SQL before it is applied.
	WorkDir string
}

// Replay decodes and applies the window described by req.
func (r *Replayer) Replay(ctx context.Context, req ReplayRequest) error {
	files, err := window(req.Files, req.From, req.To)
	if err != nil {
		return err
	}
	passes := req.Databases
	if len(passes) == 0 {
		passes = []string{""}
	}
	for _, db := range passes {
		if err := r.pass(ctx, req, files, db); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) pass(ctx context.Context, req ReplayRequest, files []string, db string) error {
	name := "replay.sql"
	if db != "" {
		name = "replay-" + db + ".sql"
	}
	sqlPath := filepath.Join(req.WorkDir, name)
	args := decodeArgs(req, files, db, sqlPath)

	r.log.Info("binlog decode started", "files", len(files), "from", req.From, "to", req.To, "database", db)
	if _, err := r.exec.Run(ctx, executor.Command{Name: r.Binary, Args: args}); err != nil {
		return fmt.Errorf("mysqlbinlog: %w", err)
	}

	f, err := os.Open(sqlPath)
	if err != nil {
		return fmt.Errorf("open decoded binlog: %w", err)
	}
	defer f.Close()
	if err := r.applier.Apply(ctx, f, db); err != nil {
		return fmt.Errorf("replay into server: %w", err)
	}
	return nil
}

func decodeArgs(req ReplayRequest, files []string, db, resultFile string) []string {
	args := []string{"--result-file=" + resultFile}
	if off := req.From.Offset(); off > 0 && seqOf(files[0]) == req.From.Seq() {
		args = append(args, "--start-position="+strconv.FormatUint(uint64(off), 10))
	}
	if off := req.To.Offset(); off > 0 && seqOf(files[len(files)-1]) == req.To.Seq() {
		args = append(args, "--stop-position="+strconv.FormatUint(uint64(off), 10))
	}
	if !req.StopTime.IsZero() {
		// mysqlbinlog reads datetimes in the local time zone.
		args = append(args, "--stop-datetime="+req.StopTime.Local().Format(time.DateTime))
	}
	if db != "" {
		args = append(args, "--database="+db)
	}
	return append(args, files...)
}

// window keeps the files that hold events in [from, to), ordered by
// sequence number and de-duplicated.
func window(files []string, from, to artifact.Position) ([]string, error) {
	bySeq := make(map[uint32]string, len(files))
	var seqs []uint32
	for _, f := range files {
		seq, err := artifact.SeqFromFile(f)
		if err != nil {
			return nil, err
		}
		if seq < from.Seq() {
			continue
		}
		if !to.IsZero() && (seq > to.Seq() || (seq == to.Seq() && to.Offset() == 0)) {
			continue
		}
		if _, dup := bySeq[seq]; !dup {
			seqs = append(seqs, seq)
		}
		bySeq[seq] = f
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNothingToReplay, from, to)
	}
	slices.Sort(seqs)
	out := make([]string, len(seqs))
	for i, s := range seqs {
		out[i] = bySeq[s]
	}
	return out, nil
}

func seqOf(file string) uint32 {
	seq, _ := artifact.SeqFromFile(file)
	return seq
}
