package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/workerpool"
)

var log = logging.L("transfer")

// Options configures a Manager.
type Options struct {
	Workers      int
	QueueSize    int
	MinFreeBytes int64
	// SpoolDir, when set, receives a SpoolRecord for every finished transfer.
	SpoolDir string
	// Sources maps URI schemes to the source that serves them.
	Sources map[string]Source
}

type job struct {
	req    Request
	status Status
	cancel context.CancelFunc
	// removed jobs finish silently: no status update, no broadcast.
	removed bool
}

// Manager is the local transfer service. Jobs run on a bounded worker pool
// and are written to "<dest>.<handle>.part" before being renamed into place.
type Manager struct {
	opts Options
	pool *workerpool.Pool
	bus  *Bus
	free freeBytesFunc

	mu   sync.Mutex
	jobs map[Handle]*job
}

// NewManager creates a transfer manager and starts its worker pool.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts: opts,
		pool: workerpool.New(opts.Workers, opts.QueueSize),
		bus:  NewBus(),
		free: diskFree,
		jobs: make(map[Handle]*job),
	}
}

func (m *Manager) Subscribe() (Subscription, error) {
	return m.bus.Subscribe()
}

// Enqueue queues req and returns its handle.
func (m *Manager) Enqueue(ctx context.Context, req Request) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.DestinationPath == "" {
		return "", errors.New("transfer: destination path is required")
	}
	u, err := url.Parse(req.URI)
	if err != nil {
		return "", fmt.Errorf("transfer: invalid uri %q: %w", req.URI, err)
	}

	h := Handle(uuid.NewString())
	jobCtx, cancel := context.WithCancel(m.pool.Context())
	j := &job{
		req:    req,
		status: Status{Handle: h, State: StatusPending, BytesTotal: -1},
		cancel: cancel,
	}

	m.mu.Lock()
	m.jobs[h] = j
	m.mu.Unlock()

	if err := m.pool.Submit(func(context.Context) {
		defer cancel()
		m.run(jobCtx, h, u)
	}); err != nil {
		cancel()
		m.mu.Lock()
		delete(m.jobs, h)
		m.mu.Unlock()
		return "", fmt.Errorf("transfer: enqueue: %w", err)
	}

	logging.WithTransfer(log, string(h)).Info("transfer enqueued",
		logging.KeyURI, req.URI,
		logging.KeyPath, req.DestinationPath,
	)
	return h, nil
}

// Query returns the current status of h.
func (m *Manager) Query(_ context.Context, h Handle) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[h]
	if !ok {
		return Status{}, ErrUnknownHandle
	}
	return j.status, nil
}

// Remove cancels the transfer if it is still running and forgets it. A
// removed transfer is never broadcast as completed.
func (m *Manager) Remove(_ context.Context, h Handle) error {
	m.mu.Lock()
	j, ok := m.jobs[h]
	if ok {
		j.removed = true
		delete(m.jobs, h)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	j.cancel()
	logging.WithTransfer(log, string(h)).Debug("transfer removed")
	return nil
}

// Close cancels in-flight transfers, waits for workers to exit and releases
// every subscription.
func (m *Manager) Close(ctx context.Context) error {
	m.pool.Shutdown(ctx)
	m.bus.Close()

	var result *multierror.Error
	m.mu.Lock()
	for h, j := range m.jobs {
		if j.status.State == StatusPending || j.status.State == StatusRunning {
			if err := os.Remove(partPath(j.req.DestinationPath, h)); err != nil && !os.IsNotExist(err) {
				result = multierror.Append(result, fmt.Errorf("remove partial file for %s: %w", h, err))
			}
		}
	}
	m.mu.Unlock()
	return result.ErrorOrNil()
}

func (m *Manager) run(ctx context.Context, h Handle, u *url.URL) {
	jlog := logging.WithTransfer(log, string(h))
	start := time.Now()

	if !m.update(h, func(s *Status) { s.State = StatusRunning }) {
		return
	}

	req, ok := m.request(h)
	if !ok {
		return
	}

	err := m.fetch(ctx, h, u, req.DestinationPath)
	if err != nil {
		reason := ReasonFor(err)
		if !m.update(h, func(s *Status) {
			s.State = StatusFailed
			s.Reason = reason
		}) {
			return
		}
		jlog.Warn("transfer failed", "reason", reason, logging.KeyError, err)
		m.finish(h, req, StatusFailed, reason)
		return
	}

	if !m.update(h, func(s *Status) { s.State = StatusSuccessful }) {
		return
	}
	jlog.Info("transfer completed",
		logging.KeyPath, req.DestinationPath,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	m.finish(h, req, StatusSuccessful, 0)
}

func (m *Manager) fetch(ctx context.Context, h Handle, u *url.URL, dest string) error {
	if err := preflight(dest, m.opts.MinFreeBytes, m.free); err != nil {
		return err
	}

	src, ok := m.opts.Sources[u.Scheme]
	if !ok {
		return Fail(ErrorUnsupportedSource, fmt.Errorf("no source for scheme %q", u.Scheme))
	}

	part := partPath(dest, h)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Fail(ErrorFileError, err)
	}

	target := newFileTarget(f, func(done, total int64, pct int) {
		m.update(h, func(s *Status) {
			s.BytesDone = done
			s.BytesTotal = total
		})
		m.bus.Publish(Event{Kind: EventProgress, Handle: h, Progress: pct})
	})

	copyErr := src.Copy(ctx, u, target)
	closeErr := f.Close()
	if copyErr == nil && ctx.Err() != nil {
		copyErr = ctx.Err()
	}
	if copyErr == nil && closeErr != nil {
		copyErr = Fail(ErrorFileError, closeErr)
	}
	if copyErr != nil {
		os.Remove(part)
		return copyErr
	}

	m.update(h, func(s *Status) { s.BytesDone = target.written() })
	if err := m.commit(h, part, dest); err != nil {
		os.Remove(part)
		return err
	}
	return nil
}

// commit renames part into place under the job lock. Once Remove has
// returned, a removed job can no longer replace dest.
func (m *Manager) commit(h Handle, part, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[h]; !ok || j.removed {
		return context.Canceled
	}
	if err := os.Rename(part, dest); err != nil {
		return Fail(ErrorFileError, err)
	}
	return nil
}

// partPath is private to one job, so a cancelled job still unwinding cannot
// touch the file of the job that replaced it.
func partPath(dest string, h Handle) string {
	return dest + "." + string(h) + ".part"
}

func (m *Manager) finish(h Handle, req Request, state State, reason int) {
	if m.opts.SpoolDir != "" {
		rec := SpoolRecord{
			Handle:      h,
			State:       state.String(),
			Reason:      reason,
			Destination: req.DestinationPath,
			CompletedAt: time.Now().UTC(),
		}
		if err := writeSpool(m.opts.SpoolDir, rec); err != nil {
			logging.WithTransfer(log, string(h)).Warn("failed to write spool record", logging.KeyError, err)
		}
	}
	m.bus.Publish(Event{Kind: EventCompleted, Handle: h, Progress: 100})
}

// update applies fn to the job's status. It reports false when the job has
// been removed.
func (m *Manager) update(h Handle, fn func(*Status)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[h]
	if !ok || j.removed {
		return false
	}
	fn(&j.status)
	return true
}

func (m *Manager) request(h Handle) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[h]
	if !ok {
		return Request{}, false
	}
	return j.req, true
}
