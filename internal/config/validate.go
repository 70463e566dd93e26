package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Validate checks the configuration once at startup and reports every
// problem found, wrapped in ErrValidateConfig.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Backup.Root == "" {
		add("backup.root is required")
	} else if !filepath.IsAbs(c.Backup.Root) {
		add("backup.root %q must be an absolute path", c.Backup.Root)
	}
	if c.Backup.RetentionDays < 0 {
		add("backup.retention_days must not be negative")
	}
	if c.Backup.KeepLast < 0 {
		add("backup.keep_last must not be negative")
	}
	if c.Backup.Parallelism < 1 {
		add("backup.parallelism must be at least 1, got %d", c.Backup.Parallelism)
	}
	if c.Backup.Timeout < 0 {
		add("backup.timeout must not be negative")
	}

	if c.Database.Socket == "" {
		if c.Database.Host == "" {
			add("database.host or database.socket is required")
		}
		if _, err := strconv.Atoi(c.Database.Port); err != nil {
			add("database.port %q is not a number", c.Database.Port)
		}
	}

	switch strings.ToUpper(c.Binlog.Format) {
	case "ROW", "MIXED", "STATEMENT":
	default:
		add("binlog.format %q must be ROW, MIXED or STATEMENT", c.Binlog.Format)
	}
	if c.Binlog.Basename == "" {
		add("binlog.basename is required")
	}

	if c.Container.Enabled && c.Container.Target == "" {
		add("container.target is required when container.enabled is set")
	}
	if (c.Vault.RoleID == "") != (c.Vault.RoleName == "") {
		add("vault.role_id and vault.role_name must be set together")
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		add("log.format %q must be console or json", c.Log.Format)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidateConfig, errors.Join(problems...))
}

// Retention returns the configured retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}
