package database

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kebairia/hotbackup/internal/config"
	"github.com/kebairia/hotbackup/internal/executor"
	"github.com/kebairia/hotbackup/internal/logger"
)

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL runs admin statements against the server through the mysql client.
type MySQL struct {
	Username string
	Password string
	Host     string
	Port     string
	Socket   string
	// Binary is the mysql client executable.
	Binary  string
	Timeout time.Duration
	Logger  logger.Logger

	exec executor.Executor
}

// NewMySQL returns a MySQL configured from cfg plus any overrides.
func NewMySQL(cfg config.Config, exec executor.Executor, opts ...MySQLOption) *MySQL {
	m := &MySQL{
		Username: cfg.Database.User,
		Password: cfg.Database.Password,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Socket:   cfg.Database.Socket,
		Binary:   cfg.Binlog.Mysql,
		Timeout:  time.Minute,
		Logger:   logger.Global(),
		exec:     exec,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLPort overrides the port.
func WithMySQLPort(port string) MySQLOption {
	return func(m *MySQL) {
		if port != "" {
			m.Port = port
		}
	}
}

// WithMySQLLogger overrides the logger.
func WithMySQLLogger(log logger.Logger) MySQLOption {
	return func(m *MySQL) {
		if log != nil {
			m.Logger = log
		}
	}
}

// WithMySQLTimeout bounds each admin statement. Apply is not bounded.
func WithMySQLTimeout(d time.Duration) MySQLOption {
	return func(m *MySQL) {
		if d > 0 {
			m.Timeout = d
		}
	}
}

// ConnArgs returns the connection flags shared by every MySQL client tool.
func (m *MySQL) ConnArgs() []string {
	args := []string{"-u", m.Username}
	if m.Socket != "" {
		return append(args, "-S", m.Socket)
	}
	return append(args, "-h", m.Host, "-P", m.Port)
}

// Env passes the password through MYSQL_PWD for non-interactive auth.
func (m *MySQL) Env() []string {
	if m.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + m.Password}
}

// Query runs one statement and returns its rows split on tabs.
func (m *MySQL) Query(ctx context.Context, stmt string) ([][]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()

	args := append(m.ConnArgs(), "-N", "-B", "-e", stmt)
	res, err := m.exec.Run(ctx, executor.Command{Name: m.Binary, Args: args, Env: m.Env()})
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", stmt, err)
	}
	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows, nil
}

// Value runs a statement expected to return a single value.
func (m *MySQL) Value(ctx context.Context, stmt string) (string, error) {
	rows, err := m.Query(ctx, stmt)
	if err != nil {
		return "", err
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return "", fmt.Errorf("%w: %q returned %d rows", ErrUnexpectedOutput, stmt, len(rows))
	}
	return rows[0][0], nil
}

// Ping checks that the server accepts connections.
func (m *MySQL) Ping(ctx context.Context) error {
	_, err := m.Value(ctx, "SELECT 1")
	return err
}

// ServerVersion returns SELECT VERSION().
func (m *MySQL) ServerVersion(ctx context.Context) (string, error) {
	return m.Value(ctx, "SELECT VERSION()")
}

// DataDir returns the server's @@datadir.
func (m *MySQL) DataDir(ctx context.Context) (string, error) {
	return m.Value(ctx, "SELECT @@datadir")
}

// BinaryLogs lists the server's binary log files, oldest first.
func (m *MySQL) BinaryLogs(ctx context.Context) ([]BinaryLog, error) {
	on, err := m.Value(ctx, "SELECT @@log_bin")
	if err != nil {
		return nil, err
	}
	if on != "1" && !strings.EqualFold(on, "ON") {
		return nil, ErrNoBinaryLogs
	}
	rows, err := m.Query(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return nil, err
	}
	logs := make([]BinaryLog, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("%w: SHOW BINARY LOGS row %v", ErrUnexpectedOutput, r)
		}
		size, err := strconv.ParseInt(r[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: size %q: %v", ErrUnexpectedOutput, r[1], err)
		}
		logs = append(logs, BinaryLog{Name: r[0], Size: size})
	}
	return logs, nil
}

// FlushBinaryLogs closes the active binary log and opens a new one.
func (m *MySQL) FlushBinaryLogs(ctx context.Context) error {
	_, err := m.Query(ctx, "FLUSH BINARY LOGS")
	return err
}

// Apply streams SQL from r into the server, optionally scoped to database.
func (m *MySQL) Apply(ctx context.Context, r io.Reader, database string) error {
	args := m.ConnArgs()
	if database != "" {
		args = append(args, "--one-database", database)
	}
	m.Logger.Info("apply started", "database", database, "engine", "mysql")
	start := time.Now()
	if _, err := m.exec.Run(ctx, executor.Command{
		Name:   m.Binary,
		Args:   args,
		Env:    m.Env(),
		Stdin:  r,
		Stdout: io.Discard,
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}
	m.Logger.Info("apply completed", "database", database, "duration", time.Since(start).String())
	return nil
}
