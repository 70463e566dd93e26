package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// EnvPrefix prefixes environment overrides, e.g. HOTBACKUP_DATABASE_PASSWORD.
const EnvPrefix = "HOTBACKUP"

// Config represents the top-level YAML configuration file.
type Config struct {
	Include   []string        `mapstructure:"include"   yaml:"include,omitempty"`
	Database  DatabaseConfig  `mapstructure:"database"  yaml:"database"`
	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Binlog    BinlogConfig    `mapstructure:"binlog"    yaml:"binlog"`
	Container ContainerConfig `mapstructure:"container" yaml:"container"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"  yaml:"schedule"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"     yaml:"host"`
	Port     string `mapstructure:"port"     yaml:"port"`
	User     string `mapstructure:"user"     yaml:"user"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Socket   string `mapstructure:"socket"   yaml:"socket,omitempty"`
	// DataDir overrides the server's @@datadir as restore destination.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`
	// Service commands run around a restore, e.g. "systemctl stop mysql".
	StopCommand  string `mapstructure:"stop_command"  yaml:"stop_command"`
	StartCommand string `mapstructure:"start_command" yaml:"start_command"`
	Owner        string `mapstructure:"owner"         yaml:"owner"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	Root            string        `mapstructure:"root"             yaml:"root"`
	RetentionDays   int           `mapstructure:"retention_days"   yaml:"retention_days"`
	KeepLast        int           `mapstructure:"keep_last"        yaml:"keep_last"`
	Parallelism     int           `mapstructure:"parallelism"      yaml:"parallelism"`
	Compress        bool          `mapstructure:"compress"         yaml:"compress"`
	DatedDirs       bool          `mapstructure:"dated_dirs"       yaml:"dated_dirs"`
	Archive         bool          `mapstructure:"archive"          yaml:"archive"`
	AutoClean       bool          `mapstructure:"auto_clean"       yaml:"auto_clean"`
	StrictChains    bool          `mapstructure:"strict_chains"    yaml:"strict_chains"`
	AllowCrossTable bool          `mapstructure:"allow_cross_table" yaml:"allow_cross_table"`
	Timeout         time.Duration `mapstructure:"timeout"          yaml:"timeout"`
	Xtrabackup      string        `mapstructure:"xtrabackup"       yaml:"xtrabackup"`
}

// BinlogConfig controls binary log capture and replay.
type BinlogConfig struct {
	Dir           string `mapstructure:"dir"            yaml:"dir"`
	Basename      string `mapstructure:"basename"       yaml:"basename"`
	Format        string `mapstructure:"format"         yaml:"format"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
	FlushFirst    bool   `mapstructure:"flush_first"    yaml:"flush_first"`
	Mysqlbinlog   string `mapstructure:"mysqlbinlog"    yaml:"mysqlbinlog"`
	Mysql         string `mapstructure:"mysql"          yaml:"mysql"`
}

// ContainerConfig runs every external tool inside a container when enabled.
type ContainerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Runtime string `mapstructure:"runtime" yaml:"runtime"`
	Target  string `mapstructure:"target"  yaml:"target"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address         string `mapstructure:"address"          yaml:"address"`
	RoleID          string `mapstructure:"role_id"          yaml:"role_id,omitempty"`
	RoleName        string `mapstructure:"role_name"        yaml:"role_name,omitempty"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path,omitempty"`
}

// MetricsConfig configures the prometheus textfile written after each run.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

// ScheduleConfig holds cron expressions used by the daemon.
type ScheduleConfig struct {
	Full        string `mapstructure:"full"        yaml:"full,omitempty"`
	Incremental string `mapstructure:"incremental" yaml:"incremental,omitempty"`
	Binlog      string `mapstructure:"binlog"      yaml:"binlog,omitempty"`
	Clean       string `mapstructure:"clean"       yaml:"clean,omitempty"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file"   yaml:"file,omitempty"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "3306",
			User:         "root",
			StopCommand:  "systemctl stop mysql",
			StartCommand: "systemctl start mysql",
			Owner:        "mysql:mysql",
		},
		Backup: BackupConfig{
			Root:          "/var/backups/mysql",
			RetentionDays: 365,
			Parallelism:   4,
			Timeout:       6 * time.Hour,
			Xtrabackup:    "xtrabackup",
		},
		Binlog: BinlogConfig{
			Dir:           "/var/log/mysql",
			Basename:      "mysql-bin",
			Format:        "ROW",
			RetentionDays: 7,
			FlushFirst:    true,
			Mysqlbinlog:   "mysqlbinlog",
			Mysql:         "mysql",
		},
		Container: ContainerConfig{Runtime: "docker"},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read base configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return nil
}

// setDefaults registers every leaf of d so that AutomaticEnv can see keys
// missing from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.socket", d.Database.Socket)
	v.SetDefault("database.data_dir", d.Database.DataDir)
	v.SetDefault("database.stop_command", d.Database.StopCommand)
	v.SetDefault("database.start_command", d.Database.StartCommand)
	v.SetDefault("database.owner", d.Database.Owner)

	v.SetDefault("backup.root", d.Backup.Root)
	v.SetDefault("backup.retention_days", d.Backup.RetentionDays)
	v.SetDefault("backup.keep_last", d.Backup.KeepLast)
	v.SetDefault("backup.parallelism", d.Backup.Parallelism)
	v.SetDefault("backup.compress", d.Backup.Compress)
	v.SetDefault("backup.dated_dirs", d.Backup.DatedDirs)
	v.SetDefault("backup.archive", d.Backup.Archive)
	v.SetDefault("backup.auto_clean", d.Backup.AutoClean)
	v.SetDefault("backup.strict_chains", d.Backup.StrictChains)
	v.SetDefault("backup.allow_cross_table", d.Backup.AllowCrossTable)
	v.SetDefault("backup.timeout", d.Backup.Timeout)
	v.SetDefault("backup.xtrabackup", d.Backup.Xtrabackup)

	v.SetDefault("binlog.dir", d.Binlog.Dir)
	v.SetDefault("binlog.basename", d.Binlog.Basename)
	v.SetDefault("binlog.format", d.Binlog.Format)
	v.SetDefault("binlog.retention_days", d.Binlog.RetentionDays)
	v.SetDefault("binlog.flush_first", d.Binlog.FlushFirst)
	v.SetDefault("binlog.mysqlbinlog", d.Binlog.Mysqlbinlog)
	v.SetDefault("binlog.mysql", d.Binlog.Mysql)

	v.SetDefault("container.enabled", d.Container.Enabled)
	v.SetDefault("container.runtime", d.Container.Runtime)
	v.SetDefault("container.target", d.Container.Target)

	v.SetDefault("vault.address", d.Vault.Address)
	v.SetDefault("vault.role_id", d.Vault.RoleID)
	v.SetDefault("vault.role_name", d.Vault.RoleName)
	v.SetDefault("vault.credentials_path", d.Vault.CredentialsPath)

	v.SetDefault("metrics.textfile", d.Metrics.Textfile)

	v.SetDefault("schedule.full", d.Schedule.Full)
	v.SetDefault("schedule.incremental", d.Schedule.Incremental)
	v.SetDefault("schedule.binlog", d.Schedule.Binlog)
	v.SetDefault("schedule.clean", d.Schedule.Clean)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
}
