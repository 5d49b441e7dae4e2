package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/agent-updater/internal/audit"
	"github.com/breeze-rmm/agent-updater/internal/config"
	"github.com/breeze-rmm/agent-updater/internal/health"
	"github.com/breeze-rmm/agent-updater/internal/installer"
	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/manifest"
	"github.com/breeze-rmm/agent-updater/internal/mtls"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
	"github.com/breeze-rmm/agent-updater/internal/transfer/sources"
	"github.com/breeze-rmm/agent-updater/internal/updater"
)

var log = logging.L("main")

// components is everything one updater process owns.
type components struct {
	cfg       *config.Config
	pipeline  *updater.Pipeline
	transfers *transfer.Manager
	spool     *transfer.SpoolWatcher
	launcher  *installer.Launcher
	health    *health.Monitor
	audit     *audit.Logger
	logCloser io.Closer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if manifestURL != "" {
		cfg.ManifestURL = manifestURL
	}

	if fatal := config.Fatal(cfg.Validate()); len(fatal) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(fatal...))
	}
	return cfg, nil
}

func startComponents(cfg *config.Config) (*components, error) {
	out, closer, err := logging.Output(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	c := &components{
		cfg:       cfg,
		health:    health.NewMonitor(),
		logCloser: closer,
	}

	c.audit, err = audit.NewLogger(cfg.AuditDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		// audit is best effort; the pipeline accepts a nil logger
		log.Warn("audit log unavailable", logging.KeyError, err)
	}

	tlsCfg, err := mtls.BuildTLSConfig(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	c.transfers = transfer.NewManager(transfer.Options{
		Workers:      cfg.TransferWorkers,
		QueueSize:    cfg.TransferQueueSize,
		MinFreeBytes: cfg.MinFreeBytes,
		SpoolDir:     cfg.CompletionSpoolDir,
		Sources: sources.Registry(sources.Config{
			UserAgent:          "breeze-updater/" + version,
			Retries:            cfg.TransferRetries,
			TLS:                tlsCfg,
			S3Region:           cfg.S3Region,
			S3Endpoint:         cfg.S3Endpoint,
			S3UsePathStyle:     cfg.S3UsePathStyle,
			S3AccessKeyID:      cfg.S3AccessKeyID,
			S3SecretAccessKey:  cfg.S3SecretAccessKey,
			GCSCredentialsFile: cfg.GCSCredentialsFile,
			AzureAccountURL:    cfg.AzureAccountURL,
			B2AccountID:        cfg.B2AccountID,
			B2ApplicationKey:   cfg.B2ApplicationKey,
		}),
	})

	var notifier transfer.Notifier = c.transfers
	if cfg.CompletionSpoolDir != "" {
		c.spool, err = transfer.NewSpoolWatcher(cfg.CompletionSpoolDir)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("watch completion spool: %w", err)
		}
		notifier = c.spool
	}

	c.launcher = installer.NewLauncher(cfg.ArtifactPath(), cfg.ShareDir, cfg.ArtifactMimeType, installer.NewOpener(cfg.InstallCommand))
	if err := c.launcher.Prune(); err != nil {
		log.Debug("prune shared artifacts", logging.KeyError, err)
	}

	c.pipeline = updater.New(updater.Options{
		Manifest:           newManifestFetcher(cfg, tlsCfg),
		Transfers:          c.transfers,
		Notifier:           notifier,
		Installer:          c.launcher,
		ArtifactPath:       cfg.ArtifactPath(),
		MimeType:           cfg.ArtifactMimeType,
		CurrentVersionCode: cfg.CurrentVersionCode,
		Audit:              c.audit,
		Health:             c.health,
	})

	log.Info("updater ready",
		logging.KeyVersionCode, cfg.CurrentVersionCode,
		"manifestUrl", cfg.ManifestURL,
		logging.KeyPath, cfg.ArtifactPath(),
	)
	return c, nil
}

func newManifestFetcher(cfg *config.Config, tlsCfg *tls.Config) *manifest.Fetcher {
	timeout := time.Duration(cfg.ManifestTimeoutSeconds) * time.Second
	f := manifest.NewFetcher(cfg.ManifestURL, version, timeout)
	if tlsCfg != nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = tlsCfg
		f = f.WithClient(&http.Client{Timeout: timeout, Transport: t})
	}
	return f
}

// close releases the listener, stops the transfer service and flushes logs.
// Transfers still running are cancelled.
func (c *components) close() error {
	var result *multierror.Error

	if c.pipeline != nil {
		c.pipeline.Cleanup()
	}
	if c.spool != nil {
		if err := c.spool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.transfers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.transfers.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.audit.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.logCloser != nil {
		if err := c.logCloser.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
