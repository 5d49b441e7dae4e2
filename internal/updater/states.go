package updater

import (
	"fmt"

	"github.com/breeze-rmm/agent-updater/internal/manifest"
)

// CheckStatus is the outcome kind of an update check.
type CheckStatus string

const (
	CheckLoading           CheckStatus = "loading"
	CheckUpdateAvailable   CheckStatus = "update_available"
	CheckNoUpdateAvailable CheckStatus = "no_update_available"
	CheckError             CheckStatus = "error"
)

// CheckResult is the outcome of one update check. Manifest is set only for
// CheckUpdateAvailable and Message only for CheckError.
type CheckResult struct {
	Status   CheckStatus        `json:"status"`
	Manifest *manifest.Manifest `json:"manifest,omitempty"`
	Message  string             `json:"message,omitempty"`
}

func Loading() CheckResult { return CheckResult{Status: CheckLoading} }

func UpdateAvailable(m *manifest.Manifest) CheckResult {
	return CheckResult{Status: CheckUpdateAvailable, Manifest: m}
}

func NoUpdateAvailable() CheckResult { return CheckResult{Status: CheckNoUpdateAvailable} }

func CheckFailed(msg string) CheckResult {
	return CheckResult{Status: CheckError, Message: msg}
}

// Terminal reports whether the check has finished.
func (r CheckResult) Terminal() bool {
	return r.Status != CheckLoading
}

func (r CheckResult) String() string {
	switch r.Status {
	case CheckUpdateAvailable:
		return fmt.Sprintf("update available: %s (build %d)", r.Manifest.VersionName, r.Manifest.VersionCode)
	case CheckNoUpdateAvailable:
		return "no update available"
	case CheckError:
		return "error: " + r.Message
	default:
		return "checking"
	}
}

// DownloadPhase is the phase of the artifact download.
type DownloadPhase string

const (
	PhaseIdle        DownloadPhase = "idle"
	PhaseDownloading DownloadPhase = "downloading"
	PhaseDownloaded  DownloadPhase = "downloaded"
	PhaseFailed      DownloadPhase = "failed"
)

// DownloadState is the observable state of the artifact download. Progress
// is a percentage while downloading, -1 when unknown.
type DownloadState struct {
	Phase    DownloadPhase `json:"phase"`
	Progress int           `json:"progress"`
	Reason   string        `json:"reason,omitempty"`
}

func Idle() DownloadState { return DownloadState{Phase: PhaseIdle, Progress: -1} }

func Downloading(progress int) DownloadState {
	if progress < 0 || progress > 100 {
		progress = -1
	}
	return DownloadState{Phase: PhaseDownloading, Progress: progress}
}

func Downloaded() DownloadState { return DownloadState{Phase: PhaseDownloaded, Progress: 100} }

// Failed carries a user-facing reason.
func Failed(reason string) DownloadState {
	return DownloadState{Phase: PhaseFailed, Progress: -1, Reason: reason}
}

func (s DownloadState) String() string {
	switch s.Phase {
	case PhaseDownloading:
		if s.Progress < 0 {
			return "downloading"
		}
		return fmt.Sprintf("downloading (%d%%)", s.Progress)
	case PhaseFailed:
		return "failed: " + s.Reason
	default:
		return string(s.Phase)
	}
}

// validTransitions lists the phases reachable from each phase. Reaching Idle
// is only possible through an explicit reset, never a transition.
var validTransitions = map[DownloadPhase][]DownloadPhase{
	PhaseIdle:        {PhaseDownloading},
	PhaseDownloading: {PhaseDownloading, PhaseDownloaded, PhaseFailed},
	PhaseDownloaded:  {PhaseDownloading, PhaseFailed},
	PhaseFailed:      {PhaseDownloading},
}

func canTransition(from, to DownloadPhase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// moveTo builds a Holder.Transition guard that accepts next only when the
// current phase is one of from and the move is valid.
func moveTo(next DownloadState, from ...DownloadPhase) func(DownloadState) (DownloadState, bool) {
	return func(cur DownloadState) (DownloadState, bool) {
		if len(from) > 0 {
			allowed := false
			for _, p := range from {
				if cur.Phase == p {
					allowed = true
					break
				}
			}
			if !allowed {
				return cur, false
			}
		}
		return next, canTransition(cur.Phase, next.Phase)
	}
}
