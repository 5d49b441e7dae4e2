// Package updater is the update delivery pipeline: it checks the manifest,
// hands the artifact download to the transfer service, follows the transfer
// to completion and launches the installer.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/breeze-rmm/agent-updater/internal/audit"
	"github.com/breeze-rmm/agent-updater/internal/health"
	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/manifest"
	"github.com/breeze-rmm/agent-updater/internal/state"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

var log = logging.L("updater")

// Installer launches the package installer for the downloaded artifact.
type Installer interface {
	Install(ctx context.Context) error
}

// Options configures a Pipeline.
type Options struct {
	Manifest  manifest.Source
	Transfers transfer.Service
	// Notifier delivers completion broadcasts. Defaults to Transfers.
	Notifier  transfer.Notifier
	Installer Installer

	ArtifactPath       string
	MimeType           string
	CurrentVersionCode int64

	Audit  *audit.Logger
	Health *health.Monitor
}

// Pipeline owns the current transfer handle, the single active completion
// listener and the two observable state holders.
type Pipeline struct {
	opts Options

	checks    *state.Holder[CheckResult]
	downloads *state.Holder[DownloadState]

	mu      sync.Mutex
	current transfer.Handle
	active  *listener
}

// New creates a new Pipeline.
func New(opts Options) *Pipeline {
	if opts.Notifier == nil {
		opts.Notifier = opts.Transfers
	}
	return &Pipeline{
		opts:      opts,
		checks:    state.NewHolder(Loading()),
		downloads: state.NewHolder(Idle()),
	}
}

// Checks is the observable check state. Its initial value is Loading.
func (p *Pipeline) Checks() *state.Holder[CheckResult] {
	return p.checks
}

// Downloads is the observable download state. Its initial value is Idle.
func (p *Pipeline) Downloads() *state.Holder[DownloadState] {
	return p.downloads
}

// CurrentHandle returns the handle of the most recently started transfer.
func (p *Pipeline) CurrentHandle() transfer.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Check fetches the manifest once and publishes exactly one terminal result.
// Failures are captured in the result, never returned.
func (p *Pipeline) Check(ctx context.Context) CheckResult {
	p.checks.Set(Loading())

	m, err := p.opts.Manifest.Fetch(ctx)
	if err != nil {
		res := CheckFailed(err.Error())
		p.checks.Set(res)
		p.report(health.ComponentManifest, health.Degraded, err.Error())
		p.opts.Audit.Log(audit.EventUpdateCheck, "", map[string]any{"status": string(res.Status), "error": err.Error()})
		log.Warn("update check failed", logging.KeyError, err)
		return res
	}

	res := Evaluate(m, p.opts.CurrentVersionCode)
	p.checks.Set(res)
	p.report(health.ComponentManifest, health.Healthy, "")
	p.opts.Audit.Log(audit.EventUpdateCheck, "", map[string]any{
		"status":      string(res.Status),
		"versionCode": m.VersionCode,
		"localCode":   p.opts.CurrentVersionCode,
	})
	log.Info("update check finished",
		"status", string(res.Status),
		logging.KeyVersionCode, m.VersionCode,
		logging.KeyVersionName, m.VersionName,
	)
	return res
}

// StartDownload hands the artifact to the transfer service and returns the
// new handle. Downloading is published before anything else. A download
// already in flight is replaced: its listener is released and its transfer
// removed.
func (p *Pipeline) StartDownload(ctx context.Context, m *manifest.Manifest) (transfer.Handle, error) {
	p.downloads.Transition(moveTo(Downloading(-1)))

	p.replaceActive(ctx)
	p.removeStaleArtifact()

	sub, err := p.opts.Notifier.Subscribe()
	if err != nil {
		return "", p.failStart(fmt.Errorf("subscribe: %w", err))
	}

	h, err := p.opts.Transfers.Enqueue(ctx, transfer.Request{
		URI:                    m.DownloadURL,
		Title:                  m.Title(),
		Description:            m.Description(),
		DestinationPath:        p.opts.ArtifactPath,
		MimeType:               p.opts.MimeType,
		AllowMeteredAndRoaming: true,
	})
	if err != nil {
		if cerr := sub.Close(); cerr != nil && !errors.Is(cerr, transfer.ErrNotSubscribed) {
			log.Debug("release subscription after enqueue failure", logging.KeyError, cerr)
		}
		return "", p.failStart(err)
	}

	l := newListener(p, sub, h)
	p.mu.Lock()
	p.current = h
	p.active = l
	p.mu.Unlock()
	go l.run()

	p.report(health.ComponentTransfer, health.Healthy, "")
	p.opts.Audit.Log(audit.EventDownloadStarted, string(h), map[string]any{
		"versionCode": m.VersionCode,
		"uri":         m.DownloadURL,
	})
	logging.WithTransfer(log, string(h)).Info("download started",
		logging.KeyVersionCode, m.VersionCode,
		logging.KeyURI, m.DownloadURL,
	)
	return h, nil
}

// ResetState restores both holders to their initial values. It neither
// cancels the transfer nor releases the listener; use Cleanup for that.
func (p *Pipeline) ResetState() {
	p.checks.Reset()
	p.downloads.Reset()
	p.opts.Audit.Log(audit.EventStateReset, string(p.CurrentHandle()), nil)
	log.Debug("pipeline state reset")
}

// Cleanup releases the active listener, if any, and waits for it to exit.
// The transfer itself keeps running.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	l := p.active
	p.active = nil
	p.mu.Unlock()

	if l != nil {
		l.cancel()
	}
}

// Wait blocks until the active listener has finished, then returns the
// download state.
func (p *Pipeline) Wait(ctx context.Context) (DownloadState, error) {
	p.mu.Lock()
	l := p.active
	p.mu.Unlock()

	if l != nil {
		select {
		case <-l.done:
		case <-ctx.Done():
			return p.downloads.Get(), ctx.Err()
		}
	}
	return p.downloads.Get(), nil
}

func (p *Pipeline) replaceActive(ctx context.Context) {
	p.mu.Lock()
	prev, prevHandle := p.active, p.current
	p.active = nil
	p.current = ""
	p.mu.Unlock()

	if prev == nil {
		return
	}
	prev.cancel()
	if err := p.opts.Transfers.Remove(ctx, prevHandle); err != nil {
		logging.WithTransfer(log, string(prevHandle)).Debug("remove replaced transfer", logging.KeyError, err)
	}
}

func (p *Pipeline) removeStaleArtifact() {
	if p.opts.ArtifactPath == "" {
		return
	}
	if err := os.Remove(p.opts.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Debug("could not delete previous artifact", logging.KeyPath, p.opts.ArtifactPath, logging.KeyError, err)
	}
}

func (p *Pipeline) failStart(err error) error {
	reason := "Download failed: " + err.Error()
	p.downloads.Transition(moveTo(Failed(reason), PhaseDownloading))
	p.report(health.ComponentTransfer, health.Unhealthy, err.Error())
	p.opts.Audit.Log(audit.EventDownloadFailed, "", map[string]any{"reason": reason})
	log.Warn("download could not be started", logging.KeyError, err)
	return err
}

func (p *Pipeline) report(component string, status health.Status, msg string) {
	if p.opts.Health != nil {
		p.opts.Health.Update(component, status, msg)
	}
}

// detach clears l as the active listener once it has finished on its own.
func (p *Pipeline) detach(l *listener) {
	p.mu.Lock()
	if p.active == l {
		p.active = nil
	}
	p.mu.Unlock()
}
