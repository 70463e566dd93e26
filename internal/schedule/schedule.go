// Package schedule runs backups, binary log captures and retention on cron
// expressions for the daemon command.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/operations"
	"github.com/kebairia/hotbackup/internal/retention"
	"github.com/robfig/cron/v3"
)

// ErrNothingScheduled is returned when no expression is configured.
var ErrNothingScheduled = errors.New("no schedule configured")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Backups is the part of the backup orchestrator the daemon drives.
type Backups interface {
	RunFull(ctx context.Context, tables artifact.TableScope) (artifact.Artifact, error)
	RunIncremental(ctx context.Context, baseID string) (artifact.Artifact, error)
	RunBinlogCapture(ctx context.Context) (artifact.Artifact, error)
}

// Cleaner applies retention.
type Cleaner interface {
	Clean(ctx context.Context, olderThan time.Duration, dryRun bool) (retention.Report, error)
}

// Daemon owns the cron scheduler.
type Daemon struct {
	cron      *cron.Cron
	backups   Backups
	cleaner   Cleaner
	retention time.Duration
	log       logger.Logger
	// ctx is handed to every job and cancelled on shutdown.
	ctx context.Context
}

// New registers one job per configured expression. Overlapping runs of the
// same job are skipped rather than queued.
func New(cfg config.Config, backups Backups, cleaner Cleaner, log logger.Logger) (*Daemon, error) {
	if log == nil {
		log = logger.Global()
	}
	d := &Daemon{
		backups:   backups,
		cleaner:   cleaner,
		retention: cfg.Retention(),
		log:       log,
		ctx:       context.Background(),
	}
	d.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		cron.WithLogger(cronLogger{log}),
	)

	jobs := []struct {
		name string
		expr string
		fn   func(context.Context) error
	}{
		{"full", cfg.Schedule.Full, d.full},
		{"incremental", cfg.Schedule.Incremental, d.incremental},
		{"binlog", cfg.Schedule.Binlog, d.binlog},
		{"clean", cfg.Schedule.Clean, d.clean},
	}
	for _, j := range jobs {
		if strings.TrimSpace(j.expr) == "" {
			continue
		}
		if _, err := d.cron.AddFunc(j.expr, d.job(j.name, j.fn)); err != nil {
			return nil, fmt.Errorf("schedule.%s %q: %w", j.name, j.expr, err)
		}
		log.Info("job scheduled", "job", j.name, "expr", j.expr)
	}
	if len(d.cron.Entries()) == 0 {
		return nil, ErrNothingScheduled
	}
	return d, nil
}

// Run starts the scheduler and blocks until ctx is done. Running jobs are
// cancelled and awaited before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.ctx = jobCtx

	d.cron.Start()
	for _, e := range d.cron.Entries() {
		d.log.Debug("next run", "entry", e.ID, "at", e.Next.Format(time.RFC3339))
	}
	<-ctx.Done()

	d.log.Info("daemon stopping, waiting for running jobs")
	cancel()
	<-d.cron.Stop().Done()
	return nil
}

// Entries returns the number of scheduled jobs.
func (d *Daemon) Entries() int { return len(d.cron.Entries()) }

func (d *Daemon) job(name string, fn func(context.Context) error) func() {
	return func() {
		start := time.Now()
		log := d.log.With("job", name)
		log.Info("job started")
		if err := fn(d.ctx); err != nil {
			log.Error("job failed", "error", err, "duration", time.Since(start).String())
			return
		}
		log.Info("job finished", "duration", time.Since(start).String())
	}
}

func (d *Daemon) full(ctx context.Context) error {
	_, err := d.backups.RunFull(ctx, artifact.All())
	return err
}

func (d *Daemon) incremental(ctx context.Context) error {
	_, err := d.backups.RunIncremental(ctx, operations.LatestBase)
	return err
}

func (d *Daemon) binlog(ctx context.Context) error {
	_, err := d.backups.RunBinlogCapture(ctx)
	if errors.Is(err, operations.ErrNoNewData) {
		d.log.Debug("no binary logs to capture")
		return nil
	}
	return err
}

func (d *Daemon) clean(ctx context.Context) error {
	if d.cleaner == nil {
		return nil
	}
	rep, err := d.cleaner.Clean(ctx, d.retention, false)
	if err != nil {
		return err
	}
	d.log.Info("retention applied", "deleted", len(rep.Deleted), "kept", len(rep.Kept))
	return nil
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct{ log logger.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
