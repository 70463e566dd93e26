// Package operations drives the backup side: hot copies, incremental
// copies, binary log captures and the archival step that follows them.
package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/kebairia/hotbackup/internal/binlog"
	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/fault"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/metrics"
	"github.com/kebairia/hotbackup/internal/pipeline"
	"github.com/kebairia/hotbackup/internal/retention"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/kebairia/hotbackup/internal/xtrabackup"
)

var (
	ErrInvalidBase = fault.New(fault.Dependency, "invalid incremental base")
	// ErrNoNewData is not a failure: there was simply nothing to capture.
	ErrNoNewData = errors.New("no new binary logs to capture")
)

// binlogSlot serialises binary log captures.
const binlogSlot = "binlog-capture"

// Stages of one backup run.
const (
	StageRegistered pipeline.Stage = "registered"
	StageCopying    pipeline.Stage = "copying"
	StageCompleted  pipeline.Stage = "completed"
	StageArchiving  pipeline.Stage = "archiving"
	StageArchived   pipeline.Stage = "archived"
	StageKeptRaw    pipeline.Stage = "kept_raw"
)

var backupStages = pipeline.Table{
	StageRegistered: {StageCopying, pipeline.Failed},
	StageCopying:    {StageCompleted, pipeline.Failed},
	StageCompleted:  {StageArchiving},
	StageArchiving:  {StageArchived, StageKeptRaw},
}

// Copier is the hot-copy engine.
type Copier interface {
	Copy(ctx context.Context, req xtrabackup.CopyRequest) (xtrabackup.CopyResult, error)
	Version(ctx context.Context) (string, error)
}

// LogTransport lists and copies binary logs.
type LogTransport interface {
	Pending(ctx context.Context, from artifact.Position) (binlog.Pending, error)
	FetchSegments(ctx context.Context, p binlog.Pending, dst string) (binlog.Fetched, error)
}

// ServerInfo reports facts about the running server.
type ServerInfo interface {
	ServerVersion(ctx context.Context) (string, error)
}

// Cleaner applies retention.
type Cleaner interface {
	Clean(ctx context.Context, olderThan time.Duration, dryRun bool) (retention.Report, error)
}

// RunError reports a backup run that stopped after its artifact was
// registered.
type RunError struct {
	Kind       artifact.Kind
	ArtifactID string
	Stage      pipeline.Stage
	// PartialState is the artifact directory left on disk for inspection.
	PartialState string
	Err          error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s backup %s failed at stage %s: %v", e.Kind, e.ArtifactID, e.Stage, e.Err)
	if e.PartialState != "" {
		msg += fmt.Sprintf(" (partial files left in %s)", e.PartialState)
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Option configures a Manager.
type Option func(*Manager)

// WithServer records the server version in every artifact.
func WithServer(s ServerInfo) Option {
	return func(m *Manager) { m.server = s }
}

// WithCleaner enables auto_clean before each backup.
func WithCleaner(c Cleaner) Option {
	return func(m *Manager) { m.cleaner = c }
}

// WithMetrics records run outcomes.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager is the backup orchestrator.
type Manager struct {
	cfg     config.Config
	store   *store.Store
	copier  Copier
	logs    LogTransport
	server  ServerInfo
	cleaner Cleaner
	metrics metrics.Recorder
	log     logger.Logger
	now     func() time.Time
}

// NewManager returns a Manager working on a copy of cfg.
func NewManager(cfg config.Config, st *store.Store, copier Copier, logs LogTransport, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   st,
		copier:  copier,
		logs:    logs,
		metrics: metrics.Noop{},
		log:     logger.Global(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// autoClean runs retention before a backup when configured. Failures are
// logged and never block the backup.
func (m *Manager) autoClean(ctx context.Context) {
	if !m.cfg.Backup.AutoClean || m.cleaner == nil {
		return
	}
	rep, err := m.cleaner.Clean(ctx, m.cfg.Retention(), false)
	if err != nil {
		m.log.Warn("auto clean failed", "error", err)
		return
	}
	m.log.Info("auto clean finished", "deleted", len(rep.Deleted), "kept", len(rep.Kept))
}

// versions collects the server and tool versions. Both are informational.
func (m *Manager) versions(ctx context.Context) (server, tool string) {
	if m.server != nil {
		v, err := m.server.ServerVersion(ctx)
		if err != nil {
			m.log.Warn("could not read server version", "error", err)
		}
		server = v
	}
	if m.copier != nil {
		v, err := m.copier.Version(ctx)
		if err != nil {
			m.log.Warn("could not read xtrabackup version", "error", err)
		}
		tool = v
	}
	return server, tool
}

func (m *Manager) recordRun(kind artifact.Kind, status artifact.Status, started time.Time, size int64) {
	m.metrics.ObserveRun(kind, status, m.now().Sub(started), size)
	m.metrics.SetInventory(m.store.Snapshot())
	if err := m.metrics.Flush(); err != nil {
		m.log.Warn("metrics flush failed", "error", err)
	}
}
