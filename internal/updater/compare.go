package updater

import "github.com/breeze-rmm/agent-updater/internal/manifest"

// Compare reports whether a remote build supersedes the running one. Build
// codes only move forward; an equal or lower remote code is never an update.
func Compare(remote, local int64) CheckStatus {
	if remote > local {
		return CheckUpdateAvailable
	}
	return CheckNoUpdateAvailable
}

// Evaluate turns a fetched manifest into the terminal check result.
func Evaluate(m *manifest.Manifest, local int64) CheckResult {
	if Compare(m.VersionCode, local) == CheckUpdateAvailable {
		return UpdateAvailable(m)
	}
	return NoUpdateAvailable()
}
