package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/breeze-rmm/agent-updater/internal/audit"
	"github.com/breeze-rmm/agent-updater/internal/health"
	"github.com/breeze-rmm/agent-updater/internal/installer"
	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

const completionTimeout = 2 * time.Minute

// listener follows one transfer. It owns the subscription and releases it
// exactly once, on whichever exit path comes first.
type listener struct {
	p      *Pipeline
	sub    transfer.Subscription
	handle transfer.Handle
	log    *slog.Logger

	ctx      context.Context
	stop     context.CancelFunc
	released sync.Once
	done     chan struct{}
}

func newListener(p *Pipeline, sub transfer.Subscription, h transfer.Handle) *listener {
	ctx, stop := context.WithCancel(context.Background())
	return &listener{
		p:      p,
		sub:    sub,
		handle: h,
		log:    logging.WithTransfer(log, string(h)),
		ctx:    ctx,
		stop:   stop,
		done:   make(chan struct{}),
	}
}

func (l *listener) run() {
	defer close(l.done)
	defer l.p.detach(l)
	defer l.release()

	for {
		select {
		case <-l.ctx.Done():
			l.log.Debug("listener cancelled")
			return
		case <-l.sub.Done():
			l.log.Debug("subscription closed by transfer service")
			return
		case ev := <-l.sub.Events():
			if ev.Handle != l.p.CurrentHandle() {
				l.log.Debug("ignoring event for another transfer", "eventHandle", string(ev.Handle))
				continue
			}
			switch ev.Kind {
			case transfer.EventProgress:
				l.p.downloads.Transition(moveTo(Downloading(ev.Progress), PhaseDownloading))
			case transfer.EventCompleted:
				l.complete()
				return
			}
		}
	}
}

// cancel stops the listener and waits for it to exit.
func (l *listener) cancel() {
	l.stop()
	<-l.done
}

func (l *listener) release() {
	l.released.Do(func() {
		if err := l.sub.Close(); err != nil && !errors.Is(err, transfer.ErrNotSubscribed) {
			l.log.Debug("release subscription", logging.KeyError, err)
		}
	})
}

func (l *listener) complete() {
	p := l.p
	ctx, cancel := context.WithTimeout(logging.NewContext(l.ctx, l.log), completionTimeout)
	defer cancel()

	st, err := p.opts.Transfers.Query(ctx, l.handle)
	if err != nil {
		l.fail(fmt.Sprintf("Download failed: %v", err))
		return
	}

	switch st.State {
	case transfer.StatusSuccessful:
	case transfer.StatusFailed:
		l.fail(fmt.Sprintf("Download failed: %d", st.Reason))
		return
	default:
		l.fail(fmt.Sprintf("Download failed: %s", st.State))
		return
	}

	// a reset while downloading means nobody wants this artifact installed
	if _, ok := p.downloads.Transition(moveTo(Downloaded(), PhaseDownloading)); !ok {
		l.log.Info("download finished after state reset, not installing")
		return
	}
	p.report(health.ComponentTransfer, health.Healthy, "")
	p.opts.Audit.Log(audit.EventDownloadCompleted, string(l.handle), map[string]any{"bytes": st.BytesDone})
	l.log.Info("download completed", "bytes", st.BytesDone)

	if p.opts.Installer == nil {
		return
	}
	if err := p.opts.Installer.Install(ctx); err != nil {
		msg := err.Error()
		var ie *installer.InstallError
		if errors.As(err, &ie) {
			msg = ie.Message
		}
		p.downloads.Transition(moveTo(Failed(msg), PhaseDownloaded))
		p.report(health.ComponentInstaller, health.Unhealthy, msg)
		p.opts.Audit.Log(audit.EventInstallFailed, string(l.handle), map[string]any{"reason": msg})
		l.log.Warn("installer launch failed", logging.KeyError, err)
		return
	}
	p.report(health.ComponentInstaller, health.Healthy, "")
	p.opts.Audit.Log(audit.EventInstallLaunched, string(l.handle), map[string]any{"path": p.opts.ArtifactPath})
}

func (l *listener) fail(reason string) {
	p := l.p
	if _, ok := p.downloads.Transition(moveTo(Failed(reason), PhaseDownloading)); !ok {
		l.log.Debug("dropping failure after state reset", "reason", reason)
		return
	}
	p.report(health.ComponentTransfer, health.Degraded, reason)
	p.opts.Audit.Log(audit.EventDownloadFailed, string(l.handle), map[string]any{"reason": reason})
	l.log.Warn("download failed", "reason", reason)
}
