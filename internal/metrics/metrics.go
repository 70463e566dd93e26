// Package metrics records backup outcomes as prometheus metrics and writes
// them to a node_exporter textfile after each run.
package metrics

import (
	"fmt"
	"time"

	"github.com/kebairia/hotbackup/internal/artifact"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives run outcomes from the orchestrators.
type Recorder interface {
	ObserveRun(kind artifact.Kind, status artifact.Status, d time.Duration, size int64)
	ObserveRecovery(status string, d time.Duration)
	ObserveRetention(deleted, kept int)
	SetInventory(snapshot []artifact.Artifact)
	Flush() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveRun(artifact.Kind, artifact.Status, time.Duration, int64) {}
func (Noop) ObserveRecovery(string, time.Duration) {}
func (Noop) ObserveRetention(int, int) {}
func (Noop) SetInventory([]artifact.Artifact) {}
func (Noop) Flush() error { return nil }

// Prom keeps the metrics in a private registry.
type Prom struct {
	reg      *prometheus.Registry
	textfile string

	runs        *prometheus.CounterVec
	duration    *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	lastSize    *prometheus.GaugeVec
	recoveries  *prometheus.CounterVec
	recoveryDur prometheus.Gauge
	retention   *prometheus.CounterVec
	artifacts   *prometheus.GaugeVec
	storeBytes  prometheus.Gauge
}

// NewProm builds a recorder that writes to textfile on Flush. An empty
// textfile keeps the metrics in memory only.
func NewProm(namespace, textfile string) *Prom {
	p := &Prom{
		reg:      prometheus.NewRegistry(),
		textfile: textfile,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_runs_total",
			Help:      "Backup runs by artifact kind and final status",
		}, []string{"kind", "status"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_last_duration_seconds",
			Help:      "Duration of the last backup run",
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful backup",
		}, []string{"kind"}),
		lastSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_last_size_bytes",
			Help:      "Size of the last successful backup",
		}, []string{"kind"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_runs_total",
			Help:      "Recovery runs by final status",
		}, []string{"status"}),
		recoveryDur: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_last_duration_seconds",
			Help:      "Duration of the last recovery run",
		}),
		retention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_artifacts_total",
			Help:      "Artifacts handled by retention, by decision",
		}, []string{"decision"}),
		artifacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "artifacts",
			Help:      "Artifacts in the store by kind and status",
		}, []string{"kind", "status"}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size_bytes",
			Help:      "Total size of all artifacts in the store",
		}),
	}
	p.reg.MustRegister(p.runs, p.duration, p.lastSuccess, p.lastSize, p.recoveries, p.recoveryDur, p.retention, p.artifacts, p.storeBytes)
	return p
}

// Registry exposes the underlying registry.
func (p *Prom) Registry() *prometheus.Registry { return p.reg }

func (p *Prom) ObserveRun(kind artifact.Kind, status artifact.Status, d time.Duration, size int64) {
	p.runs.WithLabelValues(string(kind), string(status)).Inc()
	p.duration.WithLabelValues(string(kind)).Set(d.Seconds())
	if status == artifact.StatusComplete {
		p.lastSuccess.WithLabelValues(string(kind)).SetToCurrentTime()
		p.lastSize.WithLabelValues(string(kind)).Set(float64(size))
	}
}

func (p *Prom) ObserveRecovery(status string, d time.Duration) {
	p.recoveries.WithLabelValues(status).Inc()
	p.recoveryDur.Set(d.Seconds())
}

func (p *Prom) ObserveRetention(deleted, kept int) {
	p.retention.WithLabelValues("deleted").Add(float64(deleted))
	p.retention.WithLabelValues("kept").Add(float64(kept))
}

// SetInventory replaces the per-kind artifact counts with snapshot.
func (p *Prom) SetInventory(snapshot []artifact.Artifact) {
	p.artifacts.Reset()
	var total int64
	for _, a := range snapshot {
		p.artifacts.WithLabelValues(string(a.Kind), string(a.Status)).Inc()
		total += a.Size
	}
	p.storeBytes.Set(float64(total))
}

// Flush writes the registry to the textfile, if one is configured.
func (p *Prom) Flush() error {
	if p.textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(p.textfile, p.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
