package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/agent-updater/internal/statusfeed"
	"github.com/breeze-rmm/agent-updater/internal/updater"
)

// checkReport is the machine-readable form of a check result.
type checkReport struct {
	Status         string `json:"status" yaml:"status"`
	CurrentVersion int64  `json:"currentVersionCode" yaml:"currentVersionCode"`
	VersionCode    int64  `json:"versionCode,omitempty" yaml:"versionCode,omitempty"`
	VersionName    string `json:"versionName,omitempty" yaml:"versionName,omitempty"`
	DownloadURL    string `json:"downloadUrl,omitempty" yaml:"downloadUrl,omitempty"`
	ReleaseNotes   string `json:"releaseNotes,omitempty" yaml:"releaseNotes,omitempty"`
	Message        string `json:"message,omitempty" yaml:"message,omitempty"`
}

func newCheckReport(res updater.CheckResult, current int64) checkReport {
	r := checkReport{
		Status:         string(res.Status),
		CurrentVersion: current,
		Message:        res.Message,
	}
	if m := res.Manifest; m != nil {
		r.VersionCode = m.VersionCode
		r.VersionName = m.VersionName
		r.DownloadURL = m.DownloadURL
		r.ReleaseNotes = m.ReleaseNotes
	}
	return r
}

func writeCheck(w io.Writer, format string, res updater.CheckResult, current int64) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(newCheckReport(res, current))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newCheckReport(res, current)); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		_, err := fmt.Fprintln(w, res.String())
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func runCheck(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := startComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := c.pipeline.Check(ctx)
	if err := writeCheck(w, outputFormat, res, cfg.CurrentVersionCode); err != nil {
		return err
	}
	if res.Status == updater.CheckError {
		return errors.New("update check failed")
	}
	return nil
}

func runUpdate(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := startComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := c.pipeline.Check(ctx)
	fmt.Fprintln(w, res.String())
	switch res.Status {
	case updater.CheckError:
		return errors.New("update check failed")
	case updater.CheckNoUpdateAvailable:
		return nil
	}

	h, err := c.pipeline.StartDownload(ctx, res.Manifest)
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}
	fmt.Fprintf(w, "Downloading %s (transfer %s)\n", res.Manifest.DownloadURL, h)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	final, err := c.pipeline.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for download: %w", err)
	}

	switch final.Phase {
	case updater.PhaseDownloaded:
		fmt.Fprintf(w, "Installer launched for %s\n", cfg.ArtifactPath())
		return nil
	case updater.PhaseFailed:
		return errors.New(final.Reason)
	default:
		return fmt.Errorf("download ended in state %s", final.Phase)
	}
}

func runStatus(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.FeedListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}

	fmt.Fprintf(w, "Manifest: %s\n", cfg.ManifestURL)
	fmt.Fprintf(w, "Current version code: %d\n", cfg.CurrentVersionCode)
	if fi, err := os.Stat(cfg.ArtifactPath()); err == nil {
		fmt.Fprintf(w, "Artifact: %s (%d bytes)\n", cfg.ArtifactPath(), fi.Size())
	} else {
		fmt.Fprintf(w, "Artifact: none at %s\n", cfg.ArtifactPath())
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		fmt.Fprintln(w, "Status: Not running")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("state feed returned HTTP %d", resp.StatusCode)
	}

	var snap statusfeed.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	fmt.Fprintf(w, "Status: Running (%s)\n", addr)
	fmt.Fprintf(w, "Check: %s\n", snap.Check.String())
	fmt.Fprintf(w, "Download: %s\n", describeDownload(snap.Download))
	if overall, ok := snap.Health["status"]; ok {
		fmt.Fprintf(w, "Health: %v\n", overall)
	}
	return nil
}

func describeDownload(s updater.DownloadState) string {
	switch s.Phase {
	case updater.PhaseDownloading:
		if s.Progress < 0 {
			return "downloading"
		}
		return fmt.Sprintf("downloading (%d%%)", s.Progress)
	case updater.PhaseFailed:
		return "failed: " + s.Reason
	default:
		return string(s.Phase)
	}
}

// exitOnSignal blocks until SIGINT or SIGTERM.
func exitOnSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
