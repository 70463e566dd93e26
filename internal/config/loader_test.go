package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_ParsesBackupTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
database:
  host: "db.example.com"
  port: "3307"
  user: "backup"
backup:
  root: "/srv/backups"
  timeout: 90m
  parallelism: 2
  archive: true
`)
	var cfg Config
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, "3307", cfg.Database.Port)
	assert.Equal(t, "/srv/backups", cfg.Backup.Root)
	assert.Equal(t, 90*time.Minute, cfg.Backup.Timeout)
	assert.Equal(t, 2, cfg.Backup.Parallelism)
	assert.True(t, cfg.Backup.Archive)

	// Untouched keys keep their defaults.
	assert.Equal(t, 365, cfg.Backup.RetentionDays)
	assert.Equal(t, "mysql-bin", cfg.Binlog.Basename)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MergesIncludes(t *testing.T) {
	dir := t.TempDir()
	inc := writeFile(t, dir, "secrets.yaml", `
database:
  password: "s3cret"
`)
	path := writeFile(t, dir, "config.yaml", `
include:
  - "`+inc+`"
backup:
  root: "/srv/backups"
`)
	var cfg Config
	require.NoError(t, cfg.Load(path))
	assert.Equal(t, "s3cret", cfg.Database.Password)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "backup:\n  root: /srv/backups\n")
	t.Setenv("HOTBACKUP_DATABASE_PASSWORD", "from-env")

	var cfg Config
	require.NoError(t, cfg.Load(path))
	assert.Equal(t, "from-env", cfg.Database.Password)
}

func TestLoadConfig_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "backup:\n  output_dir: /tmp\n")

	var cfg Config
	err := cfg.Load(path)
	assert.ErrorIs(t, err, ErrLoadConfig)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Backup.Root = "relative/path"
	cfg.Backup.Parallelism = 0
	cfg.Container.Enabled = true
	cfg.Binlog.Format = "weird"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrValidateConfig)
	for _, want := range []string{"backup.root", "parallelism", "container.target", "binlog.format"} {
		assert.Contains(t, err.Error(), want)
	}
}
