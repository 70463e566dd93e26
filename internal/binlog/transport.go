// Package binlog captures binary log files from the server into segment
// artifacts and replays them through mysqlbinlog.
package binlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/database"
	"github.com/kebairia/hotbackup/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Server is the part of the MySQL client the transport needs.
type Server interface {
	BinaryLogs(ctx context.Context) ([]database.BinaryLog, error)
	FlushBinaryLogs(ctx context.Context) error
}

// Pending lists the closed binary logs a capture would copy. Start is the
// beginning of the first file and End the beginning of the file after the
// last one, so consecutive captures line up exactly.
type Pending struct {
	Logs  []database.BinaryLog
	Start artifact.Position
	End   artifact.Position
	// Purged is set when files between the requested start and Start were
	// already removed from the server.
	Purged bool
}

// Empty reports whether there is nothing to copy.
func (p Pending) Empty() bool { return len(p.Logs) == 0 }

// Fetched describes the files copied by FetchSegments.
type Fetched struct {
	Files   []string
	Start   artifact.Position
	End     artifact.Position
	EndTime time.Time
	Bytes   int64
}

// Transport copies closed binary logs out of the server's log directory.
type Transport struct {
	server  Server
	dir     string
	flush   bool
	workers int
	log     logger.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithFlush rotates the active log before listing so that everything
// written so far becomes capturable.
func WithFlush(on bool) TransportOption {
	return func(t *Transport) { t.flush = on }
}

// WithWorkers bounds how many files are copied at once.
func WithWorkers(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithTransportLogger overrides the logger.
func WithTransportLogger(log logger.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// NewTransport reads binary logs from dir.
func NewTransport(server Server, dir string, opts ...TransportOption) *Transport {
	t := &Transport{server: server, dir: dir, workers: 1, log: logger.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Pending returns the closed binary logs at or after from. The server's
// active log is never included. A zero from selects every closed log the
// server still has.
func (t *Transport) Pending(ctx context.Context, from artifact.Position) (Pending, error) {
	if t.flush {
		if err := t.server.FlushBinaryLogs(ctx); err != nil {
			return Pending{}, fmt.Errorf("flush binary logs: %w", err)
		}
	}
	logs, err := t.server.BinaryLogs(ctx)
	if err != nil {
		return Pending{}, fmt.Errorf("list binary logs: %w", err)
	}
	if len(logs) == 0 {
		return Pending{}, nil
	}

	// The last listed file is the one the server is writing to.
	var (
		p    Pending
		seqs []uint32
	)
	for _, l := range logs[:len(logs)-1] {
		seq, err := artifact.SeqFromFile(l.Name)
		if err != nil {
			return Pending{}, err
		}
		if seq >= from.Seq() {
			p.Logs = append(p.Logs, l)
			seqs = append(seqs, seq)
		}
	}
	if p.Empty() {
		return Pending{}, nil
	}
	p.Start = artifact.NewPosition(seqs[0], 0)
	p.End = artifact.NewPosition(seqs[len(seqs)-1]+1, 0)
	if !from.IsZero() && seqs[0] > from.Seq() {
		p.Purged = true
		t.log.Warn("binary logs purged before capture", "from", from, "first_available", p.Logs[0].Name)
	}
	return p, nil
}

// FetchSegments copies the files of p into dst.
func (t *Transport) FetchSegments(ctx context.Context, p Pending, dst string) (Fetched, error) {
	if p.Empty() {
		return Fetched{}, nil
	}
	if err := os.MkdirAll(dst, 0o750); err != nil {
		return Fetched{}, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	sizes := make([]int64, len(p.Logs))
	mtimes := make([]time.Time, len(p.Logs))
	for i, l := range p.Logs {
		g.Go(func() error {
			n, mtime, err := copyFile(gctx, filepath.Join(t.dir, l.Name), filepath.Join(dst, l.Name))
			if err != nil {
				return fmt.Errorf("copy %s: %w", l.Name, err)
			}
			sizes[i], mtimes[i] = n, mtime
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Fetched{}, err
	}

	out := Fetched{Start: p.Start, End: p.End}
	for i, l := range p.Logs {
		out.Files = append(out.Files, l.Name)
		out.Bytes += sizes[i]
	}
	out.EndTime = slices.MaxFunc(mtimes, func(a, b time.Time) int { return a.Compare(b) }).UTC()
	t.log.Info("binary logs captured", "files", len(out.Files), "start", out.Start, "end", out.End)
	return out, nil
}

// copyFile copies src to dst and preserves the modification time, which
// approximates the time of the last event in the file.
func copyFile(ctx context.Context, src, dst string) (int64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, time.Time{}, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, time.Time{}, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, time.Time{}, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, time.Time{}, err
	}
	if err := out.Close(); err != nil {
		return 0, time.Time{}, err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return 0, time.Time{}, err
	}
	return n, info.ModTime(), nil
}
