package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
)

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values are clamped to safe defaults. Errors are logged as
// warnings; callers decide which of them are fatal (see Fatal).
func (c *Config) Validate() []error {
	var errs []error

	if c.ManifestURL == "" {
		errs = append(errs, fmt.Errorf("manifest_url is required"))
	} else if u, err := url.Parse(c.ManifestURL); err != nil {
		errs = append(errs, fmt.Errorf("manifest_url %q is not a valid URL: %w", c.ManifestURL, err))
	} else if u.Scheme != "https" && u.Scheme != "http" {
		errs = append(errs, fmt.Errorf("manifest_url scheme must be https, got %q", u.Scheme))
	} else if u.Scheme == "http" && !isLoopback(u.Hostname()) {
		errs = append(errs, fmt.Errorf("manifest_url must use https for non-local hosts"))
	}

	if c.CurrentVersionCode < 0 {
		errs = append(errs, fmt.Errorf("current_version_code %d is negative, clamping to 0", c.CurrentVersionCode))
		c.CurrentVersionCode = 0
	}

	if c.DownloadDir == "" {
		errs = append(errs, fmt.Errorf("download_dir is required"))
	}
	if c.ArtifactName == "" || c.ArtifactName != filepath.Base(c.ArtifactName) {
		errs = append(errs, fmt.Errorf("artifact_name %q must be a plain file name", c.ArtifactName))
	}
	if c.ArtifactMimeType == "" || !strings.Contains(c.ArtifactMimeType, "/") {
		errs = append(errs, fmt.Errorf("artifact_mime_type %q is not a MIME type", c.ArtifactMimeType))
	}

	if len(c.InstallCommand) > 0 && strings.TrimSpace(c.InstallCommand[0]) == "" {
		errs = append(errs, fmt.Errorf("install_command must start with an executable"))
	}

	if c.ManifestTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("manifest_timeout_seconds %d is below minimum 1, clamping", c.ManifestTimeoutSeconds))
		c.ManifestTimeoutSeconds = 1
	} else if c.ManifestTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("manifest_timeout_seconds %d exceeds maximum 300, clamping", c.ManifestTimeoutSeconds))
		c.ManifestTimeoutSeconds = 300
	}

	if c.TransferWorkers < 1 {
		errs = append(errs, fmt.Errorf("transfer_workers %d is below minimum 1, clamping", c.TransferWorkers))
		c.TransferWorkers = 1
	} else if c.TransferWorkers > 8 {
		errs = append(errs, fmt.Errorf("transfer_workers %d exceeds maximum 8, clamping", c.TransferWorkers))
		c.TransferWorkers = 8
	}

	if c.TransferQueueSize < 1 {
		errs = append(errs, fmt.Errorf("transfer_queue_size %d is below minimum 1, clamping", c.TransferQueueSize))
		c.TransferQueueSize = 1
	} else if c.TransferQueueSize > 64 {
		errs = append(errs, fmt.Errorf("transfer_queue_size %d exceeds maximum 64, clamping", c.TransferQueueSize))
		c.TransferQueueSize = 64
	}

	if c.TransferRetries < 0 {
		errs = append(errs, fmt.Errorf("transfer_retries %d is negative, clamping to 0", c.TransferRetries))
		c.TransferRetries = 0
	} else if c.TransferRetries > 10 {
		errs = append(errs, fmt.Errorf("transfer_retries %d exceeds maximum 10, clamping", c.TransferRetries))
		c.TransferRetries = 10
	}

	if c.MinFreeBytes < 0 {
		errs = append(errs, fmt.Errorf("min_free_bytes %d is negative, clamping to 0", c.MinFreeBytes))
		c.MinFreeBytes = 0
	}

	if c.AzureAccountURL != "" {
		if u, err := url.Parse(c.AzureAccountURL); err != nil || u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("azure_account_url %q must be an https URL", c.AzureAccountURL))
		}
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		errs = append(errs, fmt.Errorf("s3_access_key_id and s3_secret_access_key must be set together"))
	}
	if (c.B2AccountID == "") != (c.B2ApplicationKey == "") {
		errs = append(errs, fmt.Errorf("b2_account_id and b2_application_key must be set together"))
	}
	if (c.TLSClientCertFile == "") != (c.TLSClientKeyFile == "") {
		errs = append(errs, fmt.Errorf("tls_client_cert_file and tls_client_key_file must be set together"))
	}

	if c.CheckIntervalMinutes < 5 {
		errs = append(errs, fmt.Errorf("check_interval_minutes %d is below minimum 5, clamping", c.CheckIntervalMinutes))
		c.CheckIntervalMinutes = 5
	} else if c.CheckIntervalMinutes > 7*24*60 {
		errs = append(errs, fmt.Errorf("check_interval_minutes %d exceeds maximum %d, clamping", c.CheckIntervalMinutes, 7*24*60))
		c.CheckIntervalMinutes = 7 * 24 * 60
	}

	if c.AuditMaxSizeMB < 1 {
		c.AuditMaxSizeMB = 1
	}
	if c.AuditMaxBackups < 1 {
		c.AuditMaxBackups = 1
	}
	if c.LogMaxSizeMB < 1 {
		c.LogMaxSizeMB = 1
	}
	if c.LogMaxBackups < 1 {
		c.LogMaxBackups = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

// Fatal returns the subset of validation errors that must stop the updater.
// Clamped values are reported by Validate but are not fatal.
func Fatal(errs []error) []error {
	var fatal []error
	for _, err := range errs {
		if !strings.Contains(err.Error(), "clamping") {
			fatal = append(fatal, err)
		}
	}
	return fatal
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
