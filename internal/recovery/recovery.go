// Package recovery executes recovery plans: it restores a full backup into a
// staging area, merges the incrementals, moves the result into the server's
// data directory and replays binary logs up to the requested target.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/binlog"
	"github.com/kebairia/hotbackup/internal/chain"
	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/metrics"
	"github.com/kebairia/hotbackup/internal/pipeline"
	"github.com/kebairia/hotbackup/internal/store"
)

// Stages of a recovery run, in execution order.
const (
	StagePending           pipeline.Stage = "pending"
	StageSnapshot          pipeline.Stage = "snapshot"
	StageRestoreBase       pipeline.Stage = "restore_base"
	StageApplyIncrementals pipeline.Stage = "apply_incrementals"
	StageFinalize          pipeline.Stage = "finalize"
	StageReplayLogs        pipeline.Stage = "replay_logs"
	StageDone              pipeline.Stage = "done"
)

var stages = pipeline.Table{
	StagePending:           {StageSnapshot, StageReplayLogs, pipeline.Failed},
	StageSnapshot:          {StageRestoreBase, pipeline.Failed},
	StageRestoreBase:       {StageApplyIncrementals, pipeline.Failed},
	StageApplyIncrementals: {StageFinalize, pipeline.Failed},
	StageFinalize:          {StageReplayLogs, StageDone, pipeline.Failed},
	StageReplayLogs:        {StageDone, pipeline.Failed},
}

// Policy decides what happens to the data currently in the destination.
type Policy string

const (
	// SnapshotFirst takes a full backup of the current state before any
	// destructive step.
	SnapshotFirst Policy = "snapshot"
	// NoSnapshot overwrites the destination without a backup. The previous
	// data directory is still moved aside, never deleted.
	NoSnapshot Policy = "none"
)

// Status is the final state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Engine prepares and installs physical backups.
type Engine interface {
	Prepare(ctx context.Context, dir, incrementalDir string, applyLogOnly bool) error
	Decompress(ctx context.Context, dir string) error
	CopyBack(ctx context.Context, dir, datadir string) error
}

// Replayer applies a window of binary logs.
type Replayer interface {
	Replay(ctx context.Context, req binlog.ReplayRequest) error
}

// ServerInfo locates the live data directory.
type ServerInfo interface {
	DataDir(ctx context.Context) (string, error)
}

// Snapshotter takes the safety backup of SnapshotFirst.
type Snapshotter interface {
	RunFull(ctx context.Context, tables artifact.TableScope) (artifact.Artifact, error)
}

// Request describes where and how to recover.
type Request struct {
	// Destination overrides the server's data directory. Service commands
	// only run when the destination is the live data directory.
	Destination string
	Policy      Policy
	// Tables limits binary log replay to these databases.
	Tables artifact.TableScope
}

// StageError reports the stage a recovery stopped at.
type StageError struct {
	Stage     pipeline.Stage
	RunID     string
	Artifacts []string
	// PartialState lists what was left on disk.
	PartialState []string
	Err          error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("recovery %s failed at stage %s", e.RunID, e.Stage)
	if len(e.Artifacts) > 0 {
		msg += fmt.Sprintf(" (artifacts %s)", strings.Join(e.Artifacts, ", "))
	}
	msg += ": " + e.Err.Error()
	if len(e.PartialState) > 0 {
		msg += "; partial state left in " + strings.Join(e.PartialState, ", ")
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// Outcome is the result of a recovery run. Err is a *StageError when the
// run failed.
type Outcome struct {
	RunID      string
	Status     Status
	Stage      pipeline.Stage
	Err        error
	StagingDir string
	SnapshotID string
	// PreviousData is where the old data directory was moved.
	PreviousData string
	History      []pipeline.Transition
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithExecutor runs service commands through exec instead of the local host.
func WithExecutor(exec executor.Executor) Option {
	return func(r *Recoverer) { r.exec = exec }
}

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Recoverer) { r.log = log }
}

// WithMetrics records recovery outcomes.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Recoverer) { r.metrics = m }
}

// Recoverer is the recovery orchestrator.
type Recoverer struct {
	cfg      config.Config
	store    *store.Store
	engine   Engine
	replayer Replayer
	server   ServerInfo
	snap     Snapshotter
	exec     executor.Executor
	log      logger.Logger
	metrics  metrics.Recorder
	newID    func() string
}

// NewRecoverer wires a Recoverer. server and snap may be nil when every
// request names a destination and uses NoSnapshot.
func NewRecoverer(cfg config.Config, st *store.Store, engine Engine, replayer Replayer, server ServerInfo, snap Snapshotter, opts ...Option) *Recoverer {
	r := &Recoverer{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		replayer: replayer,
		server:   server,
		snap:     snap,
		exec:     &executor.Local{},
		log:      logger.Global(),
		metrics:  metrics.Noop{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run is the state of one Execute or ReplayOnly call.
type run struct {
	*Recoverer
	id      string
	req     Request
	machine *pipeline.Machine
	staging string
	outcome Outcome
	log     logger.Logger
	// used lists the artifact ids staged or replayed so far.
	used     []string
	held     []string
	releases []func()
	// baseDir is the staged full backup incrementals are merged into.
	baseDir string
	datadir string
	began   time.Time
}

type step struct {
	stage pipeline.Stage
	fn    func(ctx context.Context) error
}

// Execute runs plan against the destination. Every artifact of the plan is
// held before the first stage. Every stage must succeed before the next
// starts; a failure stops the run and leaves the staging area in place for
// inspection.
func (r *Recoverer) Execute(ctx context.Context, plan *chain.Plan, req Request) Outcome {
	x := r.start(req)
	x.log.Info("recovery started", "target", plan.Target.String(), "base", plan.Base.ID,
		"incrementals", len(plan.Incrementals), "segments", len(plan.Segments))

	if len(plan.Segments) > 0 {
		if err := x.requireLive(ctx); err != nil {
			return x.fail(err)
		}
	}
	steps := []step{
		{StageSnapshot, x.snapshot},
		{StageRestoreBase, func(ctx context.Context) error { return x.restoreBase(ctx, plan.Base, len(plan.Incrementals) > 0) }},
		{StageApplyIncrementals, func(ctx context.Context) error { return x.applyIncrementals(ctx, plan.Incrementals) }},
		{StageFinalize, x.finalize},
	}
	if len(plan.Segments) > 0 {
		steps = append(steps, step{StageReplayLogs, func(ctx context.Context) error {
			return x.replay(ctx, plan.Segments, plan.Target)
		}})
	}
	return x.execute(ctx, plan.Artifacts(), steps)
}

// ReplayOnly applies binary log segments to the destination as it is,
// without restoring a backup first. The destination must be the live data
// directory.
func (r *Recoverer) ReplayOnly(ctx context.Context, segments []chain.Segment, target artifact.Target, req Request) Outcome {
	x := r.start(req)
	x.log.Info("binlog replay started", "target", target.String(), "segments", len(segments))
	if err := x.requireLive(ctx); err != nil {
		return x.fail(err)
	}
	held := make([]artifact.Artifact, 0, len(segments))
	for _, s := range segments {
		held = append(held, s.Artifact)
	}
	return x.execute(ctx, held, []step{{StageReplayLogs, func(ctx context.Context) error {
		return x.replay(ctx, segments, target)
	}}})
}

func (r *Recoverer) start(req Request) *run {
	if req.Policy == "" {
		req.Policy = SnapshotFirst
	}
	id := r.newID()
	x := &run{
		Recoverer: r,
		id:        id,
		req:       req,
		machine:   pipeline.New(stages, StagePending),
		staging:   filepath.Join(r.store.Root(), store.StagingDirname, id),
		log:       r.log.With("recovery", id),
		began:     time.Now(),
	}
	x.outcome = Outcome{RunID: id, StagingDir: x.staging}
	return x
}

func (x *run) execute(ctx context.Context, held []artifact.Artifact, steps []step) Outcome {
	defer func() {
		for _, release := range x.releases {
			release()
		}
	}()
	for _, a := range held {
		if err := x.hold(a); err != nil {
			return x.fail(err)
		}
	}
	for _, s := range steps {
		if err := x.machine.Advance(s.stage); err != nil {
			return x.fail(err)
		}
		x.log.Info("recovery stage started", "stage", s.stage)
		if err := s.fn(ctx); err != nil {
			return x.fail(err)
		}
	}
	if err := x.machine.Advance(StageDone); err != nil {
		return x.fail(err)
	}
	if err := os.RemoveAll(x.staging); err != nil {
		x.log.Warn("could not remove staging area", "path", x.staging, "error", err)
	} else {
		x.outcome.StagingDir = ""
	}
	x.outcome.Status = StatusSucceeded
	x.outcome.Stage = StageDone
	x.outcome.History = x.machine.History()
	x.metrics.ObserveRecovery(string(StatusSucceeded), time.Since(x.began))
	x.flushMetrics()
	x.log.Info("recovery finished", "duration", time.Since(x.began).String(), "previous_data", x.outcome.PreviousData)
	return x.outcome
}

func (x *run) fail(err error) Outcome {
	stage := x.machine.Current()
	x.machine.Fail(err)
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("cancelled: %w", err)
	}

	var partial []string
	if _, statErr := os.Stat(x.staging); statErr == nil {
		partial = append(partial, x.staging)
	} else {
		x.outcome.StagingDir = ""
	}
	if x.outcome.PreviousData != "" {
		partial = append(partial, x.outcome.PreviousData)
	}
	if x.datadir != "" && (stage == StageFinalize || stage == StageReplayLogs) {
		partial = append(partial, x.datadir)
	}
	x.outcome.Status = StatusFailed
	x.outcome.Stage = stage
	x.outcome.Err = &StageError{
		Stage:        stage,
		RunID:        x.id,
		Artifacts:    x.used,
		PartialState: partial,
		Err:          err,
	}
	x.outcome.History = x.machine.History()
	x.metrics.ObserveRecovery(string(StatusFailed), time.Since(x.began))
	x.flushMetrics()
	x.log.Error("recovery failed", "stage", stage, "error", err, "partial_state", partial)
	return x.outcome
}

func (x *run) flushMetrics() {
	if err := x.metrics.Flush(); err != nil {
		x.log.Warn("metrics flush failed", "error", err)
	}
}
