package cmd

import (
	"context"
	"time"

	"github.com/kebairia/hotbackup/internal/binlog"
	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/database"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/logger"
	"github.com/kebairia/hotbackup/internal/metrics"
	"github.com/kebairia/hotbackup/internal/operations"
	"github.com/kebairia/hotbackup/internal/recovery"
	"github.com/kebairia/hotbackup/internal/retention"
	"github.com/kebairia/hotbackup/internal/store"
	"github.com/kebairia/hotbackup/internal/vault"
	"github.com/kebairia/hotbackup/internal/xtrabackup"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "hotbackup"

// app holds the components a command works with.
type app struct {
	store     *store.Store
	backups   *operations.Manager
	recoverer *recovery.Recoverer
	cleaner   *retention.Manager
}

// requiredTools are the binaries every backup and recovery path runs.
func requiredTools(cfg config.Config) []string {
	return []string{cfg.Backup.Xtrabackup, cfg.Binlog.Mysql, cfg.Binlog.Mysqlbinlog}
}

// openStore loads the artifact registry under backup.root.
func openStore(cfg config.Config, log logger.Logger) (*store.Store, error) {
	return store.Open(cfg.Backup.Root,
		store.WithDatedDirs(cfg.Backup.DatedDirs),
		store.WithLogger(log.With("component", "store")),
	)
}

// newApp wires the orchestrators on top of st, opening the store when st is nil.
func newApp(ctx context.Context, cfg config.Config, log logger.Logger, st *store.Store) (*app, error) {
	exec := executor.New(cfg.Container)
	if _, err := executor.Require(ctx, exec, requiredTools(cfg)...); err != nil {
		return nil, err
	}

	var creds database.CredentialSource
	if cfg.Vault.CredentialsPath != "" {
		opts := []vault.Option{vault.WithAddress(cfg.Vault.Address)}
		if cfg.Vault.RoleID != "" {
			opts = append(opts, vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.RoleName))
		}
		client, err := vault.NewClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		creds = client
	}
	mysql, err := database.Initialize(ctx, cfg, exec, creds, log.With("component", "mysql"))
	if err != nil {
		return nil, err
	}

	if st == nil {
		if st, err = openStore(cfg, log); err != nil {
			return nil, err
		}
	}

	prom := metrics.NewProm(metricsNamespace, cfg.Metrics.Textfile)
	engine := xtrabackup.New(exec, mysql,
		xtrabackup.WithBinary(cfg.Backup.Xtrabackup),
		xtrabackup.WithParallel(cfg.Backup.Parallelism),
		xtrabackup.WithCompress(cfg.Backup.Compress),
		xtrabackup.WithLogger(log.With("component", "xtrabackup")),
	)
	transport := binlog.NewTransport(mysql, cfg.Binlog.Dir,
		binlog.WithFlush(cfg.Binlog.FlushFirst),
		binlog.WithWorkers(cfg.Backup.Parallelism),
		binlog.WithTransportLogger(log.With("component", "binlog")),
	)
	cleaner := retention.NewManager(st,
		retention.WithKeepLast(cfg.Backup.KeepLast),
		retention.WithBinlogRetention(time.Duration(cfg.Binlog.RetentionDays)*24*time.Hour),
		retention.WithLogger(log.With("component", "retention")),
		retention.WithMetrics(prom),
	)
	backups := operations.NewManager(cfg, st, engine, transport,
		operations.WithServer(mysql),
		operations.WithCleaner(cleaner),
		operations.WithMetrics(prom),
		operations.WithLogger(log.With("component", "backup")),
	)
	replayer := binlog.NewReplayer(exec, mysql, cfg.Binlog.Mysqlbinlog, log.With("component", "replay"))
	recoverer := recovery.NewRecoverer(cfg, st, engine, replayer, mysql, backups,
		recovery.WithExecutor(exec),
		recovery.WithMetrics(prom),
		recovery.WithLogger(log.With("component", "recovery")),
	)

	return &app{
		store:     st,
		backups:   backups,
		recoverer: recoverer,
		cleaner:   cleaner,
	}, nil
}
