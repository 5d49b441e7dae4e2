package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to upper-cased keys for environment overrides,
// e.g. BREEZE_UPDATER_MANIFEST_URL.
const EnvPrefix = "BREEZE_UPDATER"

// Config holds updater configuration.
type Config struct {
	ManifestURL            string   `mapstructure:"manifest_url"`
	CurrentVersionCode     int64    `mapstructure:"current_version_code"`
	ManifestTimeoutSeconds int      `mapstructure:"manifest_timeout_seconds"`
	DownloadDir            string   `mapstructure:"download_dir"`
	ArtifactName           string   `mapstructure:"artifact_name"`
	ArtifactMimeType       string   `mapstructure:"artifact_mime_type"`
	ShareDir               string   `mapstructure:"share_dir"`
	InstallCommand         []string `mapstructure:"install_command"`
	CompletionSpoolDir     string   `mapstructure:"completion_spool_dir"`

	TransferWorkers   int   `mapstructure:"transfer_workers"`
	TransferQueueSize int   `mapstructure:"transfer_queue_size"`
	TransferRetries   int   `mapstructure:"transfer_retries"`
	MinFreeBytes      int64 `mapstructure:"min_free_bytes"`

	S3Region           string `mapstructure:"s3_region"`
	S3Endpoint         string `mapstructure:"s3_endpoint"`
	S3UsePathStyle     bool   `mapstructure:"s3_use_path_style"`
	S3AccessKeyID      string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey  string `mapstructure:"s3_secret_access_key"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`
	AzureAccountURL    string `mapstructure:"azure_account_url"`
	B2AccountID        string `mapstructure:"b2_account_id"`
	B2ApplicationKey   string `mapstructure:"b2_application_key"`

	TLSClientCertFile string `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string `mapstructure:"tls_client_key_file"`

	AuditDir        string `mapstructure:"audit_dir"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`

	FeedListenAddr       string `mapstructure:"feed_listen_addr"`
	CheckIntervalMinutes int    `mapstructure:"check_interval_minutes"`
	AutoDownload         bool   `mapstructure:"auto_download"`
}

// Default returns a Config with platform defaults and no manifest URL.
func Default() *Config {
	return &Config{
		ManifestTimeoutSeconds: 30,
		DownloadDir:            defaultDownloadDir(),
		ArtifactName:           defaultArtifactName(),
		ArtifactMimeType:       defaultMimeType(),
		ShareDir:               filepath.Join(dataDir(), "share"),
		TransferWorkers:        1,
		TransferQueueSize:      4,
		TransferRetries:        3,
		MinFreeBytes:           64 * 1024 * 1024,
		AuditDir:               dataDir(),
		AuditMaxSizeMB:         10,
		AuditMaxBackups:        3,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
		FeedListenAddr:         "127.0.0.1:7719",
		CheckIntervalMinutes:   60,
	}
}

// ArtifactPath is the single fixed destination every transfer writes to.
func (c *Config) ArtifactPath() string {
	return filepath.Join(c.DownloadDir, c.ArtifactName)
}

// Load reads cfgFile, or updater.yaml from the config dir, over the defaults
// and applies BREEZE_UPDATER_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("updater")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to the default config location.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile with mode 0600.
func SaveTo(cfg *Config, cfgFile string) error {
	v := newViper(cfg)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "updater.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the file may carry storage credentials.
	return os.Chmod(cfgPath, 0600)
}

// newViper seeds a viper instance with every key of cfg so that environment
// overrides resolve even when the key is absent from the config file.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("manifest_url", cfg.ManifestURL)
	v.SetDefault("current_version_code", cfg.CurrentVersionCode)
	v.SetDefault("manifest_timeout_seconds", cfg.ManifestTimeoutSeconds)
	v.SetDefault("download_dir", cfg.DownloadDir)
	v.SetDefault("artifact_name", cfg.ArtifactName)
	v.SetDefault("artifact_mime_type", cfg.ArtifactMimeType)
	v.SetDefault("share_dir", cfg.ShareDir)
	v.SetDefault("install_command", cfg.InstallCommand)
	v.SetDefault("completion_spool_dir", cfg.CompletionSpoolDir)
	v.SetDefault("transfer_workers", cfg.TransferWorkers)
	v.SetDefault("transfer_queue_size", cfg.TransferQueueSize)
	v.SetDefault("transfer_retries", cfg.TransferRetries)
	v.SetDefault("min_free_bytes", cfg.MinFreeBytes)
	v.SetDefault("s3_region", cfg.S3Region)
	v.SetDefault("s3_endpoint", cfg.S3Endpoint)
	v.SetDefault("s3_use_path_style", cfg.S3UsePathStyle)
	v.SetDefault("s3_access_key_id", cfg.S3AccessKeyID)
	v.SetDefault("s3_secret_access_key", cfg.S3SecretAccessKey)
	v.SetDefault("gcs_credentials_file", cfg.GCSCredentialsFile)
	v.SetDefault("azure_account_url", cfg.AzureAccountURL)
	v.SetDefault("b2_account_id", cfg.B2AccountID)
	v.SetDefault("b2_application_key", cfg.B2ApplicationKey)
	v.SetDefault("tls_client_cert_file", cfg.TLSClientCertFile)
	v.SetDefault("tls_client_key_file", cfg.TLSClientKeyFile)
	v.SetDefault("audit_dir", cfg.AuditDir)
	v.SetDefault("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.SetDefault("audit_max_backups", cfg.AuditMaxBackups)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("feed_listen_addr", cfg.FeedListenAddr)
	v.SetDefault("check_interval_minutes", cfg.CheckIntervalMinutes)
	v.SetDefault("auto_download", cfg.AutoDownload)
	return v
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

// dataDir holds audit logs and the installer share directory.
func dataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "breeze-updater")
	}
	return filepath.Join(os.TempDir(), "breeze-updater")
}

func defaultDownloadDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Downloads")
	}
	return os.TempDir()
}

func defaultArtifactName() string {
	switch runtime.GOOS {
	case "windows":
		return "breeze-agent-update.msi"
	case "darwin":
		return "breeze-agent-update.pkg"
	default:
		return "breeze-agent-update.deb"
	}
}

func defaultMimeType() string {
	switch runtime.GOOS {
	case "windows":
		return "application/x-msi"
	case "darwin":
		return "application/vnd.apple.installer+xml"
	default:
		return "application/vnd.debian.binary-package"
	}
}
