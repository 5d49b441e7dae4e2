package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/agent-updater/internal/audit"
	"github.com/breeze-rmm/agent-updater/internal/health"
	"github.com/breeze-rmm/agent-updater/internal/installer"
	"github.com/breeze-rmm/agent-updater/internal/manifest"
	"github.com/breeze-rmm/agent-updater/internal/transfer"
)

const waitFor = 2 * time.Second

var testManifest = &manifest.Manifest{
	VersionCode: 5,
	VersionName: "1.5.0",
	DownloadURL: "https://updates.example.com/breeze-1.5.0.deb",
}

type harness struct {
	p         *Pipeline
	svc       *fakeService
	inst      *fakeInstaller
	artifact  string
	monitor   *health.Monitor
	auditPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	svc := newFakeService()
	inst := &fakeInstaller{}
	monitor := health.NewMonitor()
	auditLog, err := audit.NewLogger(filepath.Join(dir, "audit"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	h := &harness{
		svc:       svc,
		inst:      inst,
		artifact:  filepath.Join(dir, "breeze-agent-update.deb"),
		monitor:   monitor,
		auditPath: auditLog.Path(),
	}
	h.p = New(Options{
		Manifest:           &fakeSource{m: testManifest},
		Transfers:          svc,
		Installer:          inst,
		ArtifactPath:       h.artifact,
		MimeType:           "application/vnd.debian.binary-package",
		CurrentVersionCode: 4,
		Audit:              auditLog,
		Health:             monitor,
	})
	t.Cleanup(h.p.Cleanup)
	return h
}

func (h *harness) waitPhase(t *testing.T, phase DownloadPhase) DownloadState {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.p.Downloads().Get().Phase == phase
	}, waitFor, 5*time.Millisecond, "download phase never reached %s (now %s)", phase, h.p.Downloads().Get())
	return h.p.Downloads().Get()
}

func (h *harness) waitListenerExit(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := h.p.Wait(ctx)
	require.NoError(t, err)
}

func TestInitialStates(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Loading(), h.p.Checks().Get())
	assert.Equal(t, Idle(), h.p.Downloads().Get())
}

func TestCheckUpdateAvailable(t *testing.T) {
	h := newHarness(t)

	res := h.p.Check(context.Background())

	assert.Equal(t, UpdateAvailable(testManifest), res)
	assert.Equal(t, res, h.p.Checks().Get())
	c, ok := h.monitor.Get(health.ComponentManifest)
	require.True(t, ok)
	assert.Equal(t, health.Healthy, c.Status)
}

func TestCheckNoUpdateWhenEqual(t *testing.T) {
	h := newHarness(t)
	h.p.opts.CurrentVersionCode = 5

	assert.Equal(t, NoUpdateAvailable(), h.p.Check(context.Background()))
}

func TestCheckTimeoutHoldsErrorUntilReset(t *testing.T) {
	h := newHarness(t)
	h.p.opts.Manifest = &fakeSource{err: &manifest.FetchError{Kind: manifest.FetchTransport, Err: manifest.ErrTimeout}}

	res := h.p.Check(context.Background())

	assert.Equal(t, CheckFailed("timeout"), res)
	assert.Equal(t, CheckFailed("timeout"), h.p.Checks().Get())
	c, _ := h.monitor.Get(health.ComponentManifest)
	assert.Equal(t, health.Degraded, c.Status)

	h.p.ResetState()
	assert.Equal(t, Loading(), h.p.Checks().Get())
}

func TestStartDownloadPublishesDownloadingFirst(t *testing.T) {
	h := newHarness(t)
	var atEnqueue DownloadState
	h.svc.onEnqueue = func() { atEnqueue = h.p.Downloads().Get() }

	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	assert.Equal(t, Downloading(-1), atEnqueue)
	assert.Equal(t, PhaseDownloading, h.p.Downloads().Get().Phase)
	assert.Equal(t, handle, h.p.CurrentHandle())

	require.Len(t, h.svc.requests, 1)
	req := h.svc.requests[0]
	assert.Equal(t, testManifest.DownloadURL, req.URI)
	assert.Equal(t, h.artifact, req.DestinationPath)
	assert.Equal(t, "application/vnd.debian.binary-package", req.MimeType)
	assert.True(t, req.AllowMeteredAndRoaming)
	assert.Equal(t, "Breeze update v1.5.0", req.Title)
}

func TestStartDownloadDeletesStaleArtifact(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.artifact, []byte("stale"), 0o644))

	_, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	_, err = os.Stat(h.artifact)
	assert.True(t, os.IsNotExist(err))
}

func TestSuccessfulCompletionInstallsOnce(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.svc.setStatus(handle, transfer.StatusSuccessful, 0)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})

	h.waitListenerExit(t)
	assert.Equal(t, Downloaded(), h.p.Downloads().Get())
	assert.EqualValues(t, 1, h.inst.calls.Load())
	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load(), "exactly one unsubscribe")

	h.p.Cleanup()
	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load(), "cleanup after completion must not unsubscribe again")
}

func TestSuccessfulCompletionLaunchesInstallerForArtifact(t *testing.T) {
	h := newHarness(t)
	opener := &recordingOpener{}
	share := filepath.Join(t.TempDir(), "share")
	h.p.opts.Installer = installer.NewLauncher(h.artifact, share, "application/vnd.debian.binary-package", opener)

	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.artifact, []byte("new build"), 0o644))

	h.svc.setStatus(handle, transfer.StatusSuccessful, 0)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)

	assert.Equal(t, Downloaded(), h.p.Downloads().Get())
	require.Len(t, opener.reqs, 1)
	ref := opener.reqs[0].Ref
	shared, err := os.ReadFile(ref.Path)
	require.NoError(t, err)
	assert.Equal(t, "new build", string(shared))
	assert.Equal(t, filepath.Base(h.artifact), filepath.Base(ref.Path))
	assert.True(t, opener.reqs[0].GrantRead)
}

func TestFailedCompletionCarriesReasonCode(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.svc.setStatus(handle, transfer.StatusFailed, 3)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)

	assert.Equal(t, Failed("Download failed: 3"), h.p.Downloads().Get())
	assert.Zero(t, h.inst.calls.Load())
	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load())
}

func TestQueryErrorFailsDownload(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.svc.queryErr = errBoom
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)

	assert.Equal(t, Failed("Download failed: boom"), h.p.Downloads().Get())
}

func TestMismatchedHandleIsIgnored(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	before := h.p.Downloads().Get()

	h.svc.broadcast(transfer.Event{Kind: transfer.EventProgress, Handle: "someone-else", Progress: 80})
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: "someone-else"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, h.p.Downloads().Get())
	assert.Zero(t, h.svc.queries.Load(), "unrelated completion must not be queried")
	assert.Zero(t, h.svc.sub(0).closeCalls.Load(), "listener must stay subscribed")
}

func TestProgressUpdatesDownloading(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.svc.broadcast(transfer.Event{Kind: transfer.EventProgress, Handle: handle, Progress: 42})

	require.Eventually(t, func() bool {
		return h.p.Downloads().Get() == Downloading(42)
	}, waitFor, 5*time.Millisecond)
}

func TestCleanupUnsubscribesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.p.Cleanup()
	h.p.Cleanup()

	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load())
	// the transfer is not cancelled
	assert.Empty(t, h.svc.removed)
}

func TestResetAfterFailedRestoresIdle(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	h.svc.setStatus(handle, transfer.StatusFailed, 1001)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitPhase(t, PhaseFailed)

	h.p.ResetState()

	assert.Equal(t, Idle(), h.p.Downloads().Get())
}

func TestNoInstallAfterResetToIdle(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.p.ResetState()
	h.svc.setStatus(handle, transfer.StatusSuccessful, 0)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventProgress, Handle: handle, Progress: 99})
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)

	assert.Equal(t, Idle(), h.p.Downloads().Get())
	assert.Zero(t, h.inst.calls.Load())
	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load(), "listener still releases after a reset")
}

func TestSecondStartDownloadReplacesFirst(t *testing.T) {
	h := newHarness(t)
	first, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	second, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load(), "first listener released")
	assert.Equal(t, []transfer.Handle{first}, h.svc.removed)
	assert.Equal(t, second, h.p.CurrentHandle())

	h.svc.setStatus(first, transfer.StatusFailed, 1011)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: first})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseDownloading, h.p.Downloads().Get().Phase, "stale completion ignored")

	h.svc.setStatus(second, transfer.StatusSuccessful, 0)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: second})
	h.waitListenerExit(t)
	assert.Equal(t, Downloaded(), h.p.Downloads().Get())
	assert.EqualValues(t, 1, h.svc.sub(1).closeCalls.Load())
}

func TestRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	h.svc.setStatus(handle, transfer.StatusFailed, 1004)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)
	require.Equal(t, PhaseFailed, h.p.Downloads().Get().Phase)

	_, err = h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	assert.Equal(t, Downloading(-1), h.p.Downloads().Get())
}

func TestEnqueueFailureReleasesSubscription(t *testing.T) {
	h := newHarness(t)
	h.svc.enqueueErr = errors.New("queue full")

	_, err := h.p.StartDownload(context.Background(), testManifest)

	require.Error(t, err)
	assert.Equal(t, Failed("Download failed: queue full"), h.p.Downloads().Get())
	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load())
	assert.Empty(t, h.p.CurrentHandle())
	c, _ := h.monitor.Get(health.ComponentTransfer)
	assert.Equal(t, health.Unhealthy, c.Status)
}

func TestInstallFailureBecomesFailedState(t *testing.T) {
	h := newHarness(t)
	h.inst.err = &installer.InstallError{Kind: installer.InstallLaunchFailed, Message: "cannot launch installer: no installer registered"}
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.svc.setStatus(handle, transfer.StatusSuccessful, 0)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)

	assert.Equal(t, Failed("cannot launch installer: no installer registered"), h.p.Downloads().Get())
	c, _ := h.monitor.Get(health.ComponentInstaller)
	assert.Equal(t, health.Unhealthy, c.Status)
}

func TestServiceClosingSubscriptionStopsListener(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)

	h.svc.sub(0).closeFromService()
	h.waitListenerExit(t)

	assert.EqualValues(t, 1, h.svc.sub(0).closeCalls.Load())
	assert.Equal(t, PhaseDownloading, h.p.Downloads().Get().Phase)
}

func TestAuditTrailRecordsPipeline(t *testing.T) {
	h := newHarness(t)
	h.p.Check(context.Background())
	handle, err := h.p.StartDownload(context.Background(), testManifest)
	require.NoError(t, err)
	h.svc.setStatus(handle, transfer.StatusSuccessful, 0)
	h.svc.broadcast(transfer.Event{Kind: transfer.EventCompleted, Handle: handle})
	h.waitListenerExit(t)

	n, err := audit.Verify(h.auditPath)
	require.NoError(t, err)
	// update_check, download_started, download_completed, install_launched
	assert.Equal(t, 4, n)
}

type recordingOpener struct {
	reqs []installer.OpenRequest
}

func (r *recordingOpener) Open(_ context.Context, req installer.OpenRequest) error {
	r.reqs = append(r.reqs, req)
	return nil
}
