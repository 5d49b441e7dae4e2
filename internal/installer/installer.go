// Package installer hands a downloaded artifact to the platform package
// installer through a content-addressed, read-only copy.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/agent-updater/internal/logging"
)

var log = logging.L("installer")

// URIScheme and URIAuthority form the content URI of a shared artifact:
// content://breeze-updater/<digest>/<name>.
const (
	URIScheme    = "content"
	URIAuthority = "breeze-updater"
)

// InstallErrorKind classifies an install launch failure.
type InstallErrorKind int

const (
	InstallNotFound InstallErrorKind = iota
	InstallLaunchFailed
)

// InstallError is returned by Install. Message is user facing.
type InstallError struct {
	Kind    InstallErrorKind
	Message string
	Err     error
}

func (e *InstallError) Error() string {
	return e.Message
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Reference is a read-only, content-addressed view of the artifact. Path is
// the shared copy, never the download location.
type Reference struct {
	URI    string
	Path   string
	Digest string
}

// OpenRequest asks an Opener to hand a shared artifact to the installer.
type OpenRequest struct {
	Ref       Reference
	MimeType  string
	GrantRead bool
}

// Opener asks the platform to open a reference with whatever handles its
// MIME type. Open returns once the request was accepted; the installer's own
// outcome is not observed.
type Opener interface {
	Open(ctx context.Context, req OpenRequest) error
}

// Launcher shares the downloaded artifact and hands it to the installer.
type Launcher struct {
	artifactPath string
	shareDir     string
	mimeType     string
	opener       Opener
}

// NewLauncher creates a Launcher for the artifact at artifactPath.
func NewLauncher(artifactPath, shareDir, mimeType string, opener Opener) *Launcher {
	return &Launcher{
		artifactPath: artifactPath,
		shareDir:     shareDir,
		mimeType:     mimeType,
		opener:       opener,
	}
}

// ArtifactPath is the fixed location the launcher installs from.
func (l *Launcher) ArtifactPath() string {
	return l.artifactPath
}

// Install shares the downloaded artifact and asks the opener to launch the
// package installer for it.
func (l *Launcher) Install(ctx context.Context) error {
	if _, err := os.Stat(l.artifactPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &InstallError{Kind: InstallNotFound, Message: "update file not found: " + l.artifactPath, Err: err}
		}
		return &InstallError{Kind: InstallLaunchFailed, Message: "cannot read update file: " + err.Error(), Err: err}
	}

	ref, err := l.Share()
	if err != nil {
		return &InstallError{Kind: InstallLaunchFailed, Message: "cannot share update file: " + err.Error(), Err: err}
	}

	if err := l.opener.Open(ctx, OpenRequest{Ref: ref, MimeType: l.mimeType, GrantRead: true}); err != nil {
		return &InstallError{Kind: InstallLaunchFailed, Message: "cannot launch installer: " + err.Error(), Err: err}
	}

	logging.FromContext(ctx, log).Info("installer launched", logging.KeyURI, ref.URI, "mimeType", l.mimeType)
	return nil
}

// Share places a read-only copy of the artifact at
// <shareDir>/<sha256>/<name> and returns its reference.
func (l *Launcher) Share() (Reference, error) {
	digest, err := fileSHA256(l.artifactPath)
	if err != nil {
		return Reference{}, err
	}
	name := filepath.Base(l.artifactPath)
	dir := filepath.Join(l.shareDir, digest)
	dst := filepath.Join(dir, name)
	ref := Reference{
		URI:    fmt.Sprintf("%s://%s/%s/%s", URIScheme, URIAuthority, digest, name),
		Path:   dst,
		Digest: digest,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Reference{}, err
	}
	if _, err := os.Stat(dst); err != nil {
		if err := linkOrCopy(l.artifactPath, dst); err != nil {
			return Reference{}, err
		}
	}
	if err := os.Chmod(dst, 0o444); err != nil {
		return Reference{}, err
	}
	now := time.Now()
	os.Chtimes(dir, now, now)
	return ref, nil
}

// Prune removes every shared copy except the most recently shared one.
func (l *Launcher) Prune() error {
	entries, err := os.ReadDir(l.shareDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest, newestTime = e.Name(), info.ModTime()
		}
	}

	var result *multierror.Error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == newest {
			continue
		}
		if err := removeShared(filepath.Join(l.shareDir, e.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func removeShared(dir string) error {
	// read-only files block removal on Windows
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			os.Chmod(path, 0o644)
		}
		return nil
	})
	return os.RemoveAll(dir)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func linkOrCopy(src, dst string) error {
	// Windows cannot delete a read-only download, so it always gets a copy.
	if runtime.GOOS != "windows" {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
