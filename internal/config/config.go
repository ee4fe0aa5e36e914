package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Config represents the top-level YAML configuration file.
type Config struct {
	Include []string `mapstructure:"include" yaml:"include,omitempty"`

	Backup    BackupConfig    `mapstructure:"backup"    yaml:"backup"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	Metadata  MetadataConfig  `mapstructure:"metadata"  yaml:"metadata"`
	Source    SourceConfig    `mapstructure:"source"    yaml:"source"`
	Vault     VaultConfig     `mapstructure:"vault"     yaml:"vault"`
	Retention RetentionConfig `mapstructure:"retention" yaml:"retention"`
	WAL       WALConfig       `mapstructure:"wal"       yaml:"wal"`
	Alerts    AlertConfig     `mapstructure:"alerts"    yaml:"alerts"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"  yaml:"recovery"`
}

// BackupConfig contains global backup options.
type BackupConfig struct {
	// MasterKeyHex is the hex-encoded 256-bit encryption key. Usually left
	// empty in the file and supplied through Vault or DRBACKUP_MASTER_KEY.
	MasterKeyHex    string        `mapstructure:"master_key_hex"   yaml:"master_key_hex,omitempty"`
	TempDirectory   string        `mapstructure:"temp_directory"   yaml:"temp_directory"`
	TimestampFormat string        `mapstructure:"timestamp_format" yaml:"timestamp_format"`
	ExportTimeout   time.Duration `mapstructure:"export_timeout"   yaml:"export_timeout"`
}

// StorageConfig describes the three backup destinations.
type StorageConfig struct {
	Local          LocalStoreConfig  `mapstructure:"local"            yaml:"local"`
	Primary        RemoteStoreConfig `mapstructure:"primary"          yaml:"primary"`
	Secondary      RemoteStoreConfig `mapstructure:"secondary"        yaml:"secondary"`
	UploadTimeout  time.Duration     `mapstructure:"upload_timeout"   yaml:"upload_timeout"`
	TimeoutPerMB   time.Duration     `mapstructure:"timeout_per_mb"   yaml:"timeout_per_mb"`
	MaxRetries     uint64            `mapstructure:"max_retries"      yaml:"max_retries"`
	RetryBaseDelay time.Duration     `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
}

// LocalStoreConfig is the filesystem destination.
type LocalStoreConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// RemoteStoreConfig is one S3-compatible destination. AccessKey/SecretKey may
// be left empty and resolved from Vault at startup.
type RemoteStoreConfig struct {
	Endpoint      string `mapstructure:"endpoint"        yaml:"endpoint,omitempty"`
	Region        string `mapstructure:"region"          yaml:"region"`
	Bucket        string `mapstructure:"bucket"          yaml:"bucket"`
	AccessKey     string `mapstructure:"access_key"      yaml:"access_key,omitempty"`
	SecretKey     string `mapstructure:"secret_key"      yaml:"secret_key,omitempty"`
	UsePathStyle  bool   `mapstructure:"use_path_style"  yaml:"use_path_style,omitempty"`
	VaultSecret   string `mapstructure:"vault_secret"    yaml:"vault_secret,omitempty"`
	CapacityBytes int64  `mapstructure:"capacity_bytes"  yaml:"capacity_bytes,omitempty"`
}

// MetadataConfig points at the sqlite metadata store.
type MetadataConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SourceConfig holds connection settings for the backed-up data store.
type SourceConfig struct {
	Host      string        `mapstructure:"host"       yaml:"host"`
	Port      string        `mapstructure:"port"       yaml:"port"`
	Database  string        `mapstructure:"database"   yaml:"database"`
	Username  string        `mapstructure:"username"   yaml:"username,omitempty"`
	Password  string        `mapstructure:"password"   yaml:"password,omitempty"`
	RoleName  string        `mapstructure:"role_name"  yaml:"role_name,omitempty"`
	WALDir    string        `mapstructure:"wal_dir"    yaml:"wal_dir"`
	ConfigDir string        `mapstructure:"config_dir" yaml:"config_dir"`
	Timeout   time.Duration `mapstructure:"timeout"    yaml:"timeout"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address       string `mapstructure:"address"         yaml:"address,omitempty"`
	ApproleID     string `mapstructure:"approle_id"      yaml:"approle_id,omitempty"`
	ApproleName   string `mapstructure:"approle_name"    yaml:"approle_name,omitempty"`
	MasterKeyPath string `mapstructure:"master_key_path" yaml:"master_key_path,omitempty"`
}

// RetentionConfig specifies how long artifacts are kept per destination.
type RetentionConfig struct {
	LocalDays     int `mapstructure:"local_days"      yaml:"local_days"`
	LocalWALDays  int `mapstructure:"local_wal_days"  yaml:"local_wal_days"`
	RemoteDays    int `mapstructure:"remote_days"     yaml:"remote_days"`
	RemoteWALDays int `mapstructure:"remote_wal_days" yaml:"remote_wal_days"`
}

// WALConfig controls write-ahead-log shipping.
type WALConfig struct {
	ShipInterval time.Duration `mapstructure:"ship_interval" yaml:"ship_interval"`
}

// AlertConfig holds monitoring thresholds and notification channels.
type AlertConfig struct {
	SizeDeviationPct float64       `mapstructure:"size_deviation_pct" yaml:"size_deviation_pct"`
	DurationCeiling  time.Duration `mapstructure:"duration_ceiling"   yaml:"duration_ceiling"`
	CapacityPct      float64       `mapstructure:"capacity_pct"       yaml:"capacity_pct"`
	TrailingWindow   int           `mapstructure:"trailing_window"    yaml:"trailing_window"`
	WebhookURL       string        `mapstructure:"webhook_url"        yaml:"webhook_url,omitempty"`
	SweepSampleSize  int           `mapstructure:"sweep_sample_size"  yaml:"sweep_sample_size"`
}

// RecoveryConfig bounds the disaster-recovery run.
type RecoveryConfig struct {
	RTOBudget          time.Duration `mapstructure:"rto_budget"           yaml:"rto_budget"`
	RPOBudget          time.Duration `mapstructure:"rpo_budget"           yaml:"rpo_budget"`
	HealthPollInterval time.Duration `mapstructure:"health_poll_interval" yaml:"health_poll_interval"`
	HealthTimeout      time.Duration `mapstructure:"health_timeout"       yaml:"health_timeout"`
	RestoreParallelism int           `mapstructure:"restore_parallelism"  yaml:"restore_parallelism"`
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DRBACKUP")
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

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	// Environment always wins for the master key so it never has to be
	// written into a file.
	if key := os.Getenv("DRBACKUP_MASTER_KEY"); key != "" {
		c.Backup.MasterKeyHex = key
	}

	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Backup.TimestampFormat == "" {
		c.Backup.TimestampFormat = "20060102_150405"
	}
	if c.Backup.TempDirectory == "" {
		c.Backup.TempDirectory = os.TempDir()
	}
	if c.Backup.ExportTimeout == 0 {
		c.Backup.ExportTimeout = 30 * time.Minute
	}
	if c.Storage.UploadTimeout == 0 {
		c.Storage.UploadTimeout = 60 * time.Second
	}
	if c.Storage.TimeoutPerMB == 0 {
		c.Storage.TimeoutPerMB = 30 * time.Second
	}
	if c.Storage.MaxRetries == 0 {
		c.Storage.MaxRetries = 3
	}
	if c.Storage.RetryBaseDelay == 0 {
		c.Storage.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Retention.LocalDays == 0 {
		c.Retention.LocalDays = 30
	}
	if c.Retention.LocalWALDays == 0 {
		c.Retention.LocalWALDays = 7
	}
	if c.Retention.RemoteDays == 0 {
		c.Retention.RemoteDays = 365
	}
	if c.Retention.RemoteWALDays == 0 {
		c.Retention.RemoteWALDays = 30
	}
	if c.WAL.ShipInterval == 0 {
		c.WAL.ShipInterval = 5 * time.Minute
	}
	if c.Alerts.SizeDeviationPct == 0 {
		c.Alerts.SizeDeviationPct = 20
	}
	if c.Alerts.DurationCeiling == 0 {
		c.Alerts.DurationCeiling = time.Hour
	}
	if c.Alerts.CapacityPct == 0 {
		c.Alerts.CapacityPct = 80
	}
	if c.Alerts.TrailingWindow == 0 {
		c.Alerts.TrailingWindow = 5
	}
	if c.Alerts.SweepSampleSize == 0 {
		c.Alerts.SweepSampleSize = 10
	}
	if c.Recovery.RTOBudget == 0 {
		c.Recovery.RTOBudget = time.Hour
	}
	if c.Recovery.RPOBudget == 0 {
		c.Recovery.RPOBudget = 15 * time.Minute
	}
	if c.Recovery.HealthPollInterval == 0 {
		c.Recovery.HealthPollInterval = 5 * time.Second
	}
	if c.Recovery.HealthTimeout == 0 {
		c.Recovery.HealthTimeout = 10 * time.Minute
	}
	if c.Recovery.RestoreParallelism == 0 {
		c.Recovery.RestoreParallelism = 4
	}
	if c.Metadata.Path == "" {
		c.Metadata.Path = "drbackup.db"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 30 * time.Minute
	}
}

func (c *Config) validate() error {
	if c.Storage.Local.Root == "" {
		return fmt.Errorf("%w: storage.local.root is required", ErrValidateConfig)
	}
	if c.Storage.Primary.Bucket == "" {
		return fmt.Errorf("%w: storage.primary.bucket is required", ErrValidateConfig)
	}
	if c.Storage.Secondary.Bucket == "" {
		return fmt.Errorf("%w: storage.secondary.bucket is required", ErrValidateConfig)
	}
	return nil
}
